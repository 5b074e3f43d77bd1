package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"github.com/cristianradulescu/perltidy-ls/internal/logging"
	"github.com/cristianradulescu/perltidy-ls/internal/server"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

var (
	logLevel string
	stdin    bool
)

var errorColor = color.New(color.FgRed, color.Bold)

var rootCmd = &cobra.Command{
	Use:           config.Name,
	Short:         "Perl formatting language server backed by perltidy",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.Name, config.Version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.Flags().BoolVar(&stdin, "stdin", false, "Use stdin/stdout for communication")

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "%s: %v\n", config.Name, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	// stdout carries the protocol stream or the formatted output
	return logging.New(os.Stderr, logLevel)
}

func runServer(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	defer logger.Sync()

	mainLogger := logging.Named(logger, logging.LogTagLSP, logging.LogTagMain)
	mainLogger.Info("Starting Perl formatting LSP server", zap.String("version", config.Version), zap.Bool("stdin", stdin))

	stream := jsonrpc2.NewStream(struct {
		io.Reader
		io.Writer
		io.Closer
	}{
		os.Stdin,
		os.Stdout,
		os.Stdin,
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn := jsonrpc2.NewConn(stream)
	mainLogger.Info("LSP server connection established")

	runner := container.NewExecRunner(logging.Named(logger, logging.LogTagContainer))
	lspServer, err := server.New(conn, runner, logger)
	if err != nil {
		return err
	}
	conn.Go(ctx, lspServer.Handle)

	mainLogger.Info("LSP server is running, waiting for requests...")
	<-conn.Done()

	// exit closes stdin, so a closed or drained stream is a normal stop
	if err := conn.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("LSP server stopped with error: %w", err)
	}

	mainLogger.Info("LSP server shutdown complete")
	return nil
}
