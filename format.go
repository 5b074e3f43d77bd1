package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"github.com/cristianradulescu/perltidy-ls/internal/formatter"
	"github.com/cristianradulescu/perltidy-ls/internal/logging"
	"github.com/cristianradulescu/perltidy-ls/internal/utils"
	"github.com/spf13/cobra"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

var formatOpts struct {
	start     string
	end       string
	perltidy  string
	args      []string
	container string
	write     bool
}

var formatCmd = &cobra.Command{
	Use:   "format <file>",
	Short: "Format a file, or a range of it, with the configured perltidy",
	Long: `Format runs the same pipeline as a range formatting request. Settings come
from the project file next to <file> and may be overridden with flags.
Positions are LINE:CHARACTER, zero-based, with UTF-16 characters.`,
	Args: cobra.ExactArgs(1),
	RunE: runFormat,
}

func init() {
	flags := formatCmd.Flags()
	flags.StringVar(&formatOpts.start, "start", "", "start position LINE:CHARACTER (default: start of file)")
	flags.StringVar(&formatOpts.end, "end", "", "end position LINE:CHARACTER (default: end of file)")
	flags.StringVar(&formatOpts.perltidy, "perltidy", "", "perltidy executable")
	flags.StringSliceVar(&formatOpts.args, "args", nil, "perltidy arguments")
	flags.StringVar(&formatOpts.container, "container", "", "run perltidy inside this docker container")
	flags.BoolVarP(&formatOpts.write, "write", "w", false, "write the result back to the file instead of stdout")
}

func runFormat(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	defer logger.Sync()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	rng, err := parseRange(text, formatOpts.start, formatOpts.end)
	if err != nil {
		return err
	}

	var settings config.Settings
	if fileConfig, err := (&config.Config{}).LoadConfig(utils.FindProjectRoot(path)); err == nil {
		settings = fileConfig.Settings
	} else {
		logger.Debug("No project config", zap.Error(err))
	}
	settings = settings.Merge(settingsFromFlags(cmd))

	cfg := settings.FormatConfig()
	if !cfg.Enabled {
		return fmt.Errorf("no formatter configured: set %s.perltidy in %s or pass --perltidy", config.ConfigItemPerl, config.ConfigFileName)
	}

	f := formatter.NewFormatter(
		container.NewExecRunner(logging.Named(logger, logging.LogTagContainer)),
		logging.Named(logger, logging.LogTagFormatter),
	)
	edit, err := f.Format(cmd.Context(), formatter.Request{Text: text, Range: rng}, cfg)
	if err != nil {
		return err
	}

	formatted := applyEdit(text, edit)
	if formatOpts.write {
		if formatted == text {
			return nil
		}
		return os.WriteFile(path, []byte(formatted), 0o644)
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), formatted)
	return err
}

func settingsFromFlags(cmd *cobra.Command) config.Settings {
	var settings config.Settings
	flags := cmd.Flags()
	if flags.Changed("perltidy") {
		settings.Perltidy = &formatOpts.perltidy
	}
	if flags.Changed("args") {
		settings.PerltidyArgs = append([]string{}, formatOpts.args...)
	}
	if flags.Changed("container") {
		settings.PerltidyContainer = &formatOpts.container
	}
	return settings
}

// parseRange builds the requested range, defaulting to the whole document.
func parseRange(text string, start string, end string) (protocol.Range, error) {
	rng := utils.DocumentRange(text)

	if start != "" {
		pos, err := parsePosition(start)
		if err != nil {
			return rng, fmt.Errorf("invalid --start: %w", err)
		}
		rng.Start = pos
	}
	if end != "" {
		pos, err := parsePosition(end)
		if err != nil {
			return rng, fmt.Errorf("invalid --end: %w", err)
		}
		rng.End = pos
	}

	if rng.End.Line < rng.Start.Line || (rng.End.Line == rng.Start.Line && rng.End.Character < rng.Start.Character) {
		return rng, fmt.Errorf("end %d:%d is before start %d:%d", rng.End.Line, rng.End.Character, rng.Start.Line, rng.Start.Character)
	}

	return rng, nil
}

func parsePosition(value string) (protocol.Position, error) {
	lineValue, charValue, found := strings.Cut(value, ":")
	if !found {
		return protocol.Position{}, fmt.Errorf("expected LINE:CHARACTER, got %q", value)
	}

	line, err := strconv.ParseUint(strings.TrimSpace(lineValue), 10, 32)
	if err != nil {
		return protocol.Position{}, fmt.Errorf("invalid line %q: %w", lineValue, err)
	}
	character, err := strconv.ParseUint(strings.TrimSpace(charValue), 10, 32)
	if err != nil {
		return protocol.Position{}, fmt.Errorf("invalid character %q: %w", charValue, err)
	}

	return protocol.Position{Line: uint32(line), Character: uint32(character)}, nil
}

// applyEdit replaces the span of edit in text, as an editor would.
func applyEdit(text string, edit *protocol.TextEdit) string {
	if edit == nil {
		return text
	}

	start := utils.PositionToOffset(text, edit.Range.Start)
	end := utils.PositionToOffset(text, edit.Range.End)
	if end < start {
		end = start
	}

	return text[:start] + edit.NewText + text[end:]
}
