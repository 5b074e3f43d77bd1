package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Command is a fully resolved invocation.
type Command struct {
	Executable string
	Args       []string
}

// NewCommand resolves the invocation of executable with args. A non-empty
// containerName runs the executable inside that container through
// "docker exec -i", keeping stdin attached.
func NewCommand(executable string, args []string, containerName string) Command {
	if containerName == "" {
		return Command{
			Executable: executable,
			Args:       append([]string(nil), args...),
		}
	}

	wrapped := make([]string, 0, len(args)+4)
	wrapped = append(wrapped, "exec", "-i", containerName, executable)
	wrapped = append(wrapped, args...)

	return Command{
		Executable: config.ContainerRuntime,
		Args:       wrapped,
	}
}

// Argv returns the executable followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Executable}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// CommandResult holds everything observed about one process run.
type CommandResult struct {
	Stdout []byte
	Stderr []byte
	// Exited reports whether the process was started and reaped.
	Exited   bool
	ExitCode int
	// Signal names the signal that terminated the process, if any.
	Signal string
	// Err is a failure to start the process or to collect its output. A
	// nonzero exit status is not an Err.
	Err error
}

// Success reports a clean run with exit code 0.
func (r *CommandResult) Success() bool {
	return r.Err == nil && r.Exited && r.Signal == "" && r.ExitCode == 0
}

type CommandRunner interface {
	Run(ctx context.Context, command Command, stdin []byte) *CommandResult
}

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	logger *zap.Logger
}

func NewExecRunner(logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{logger: logger}
}

// Run starts the command, writes stdin and closes it, and drains stdout and
// stderr concurrently. It returns only after both streams reached EOF and the
// process was reaped. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, command Command, stdin []byte) *CommandResult {
	result := &CommandResult{Stdout: []byte{}, Stderr: []byte{}}
	r.logger.Debug("Running command", zap.Stringer("cmd", command), zap.Int("stdinBytes", len(stdin)))

	cmd := exec.CommandContext(ctx, command.Executable, command.Args...)

	stdinPipe, stdoutPipe, stderrPipe, err := openPipes(cmd)
	if err != nil {
		result.Err = err
		return result
	}

	if err := cmd.Start(); err != nil {
		r.logger.Debug("Command failed to start", zap.Stringer("cmd", command), zap.Error(err))
		result.Err = err
		return result
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		defer stdinPipe.Close()
		// A tool may exit before consuming its input; its exit status says why.
		if n, err := stdinPipe.Write(stdin); err != nil {
			r.logger.Debug("Command did not consume all of stdin",
				zap.Stringer("cmd", command),
				zap.Int("written", n),
				zap.Int("stdinBytes", len(stdin)),
				zap.Error(err),
			)
		}
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(&stdout, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, stderrPipe)
		return err
	})
	streamErr := g.Wait()
	waitErr := cmd.Wait()

	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	if state := cmd.ProcessState; state != nil {
		result.Exited = true
		result.ExitCode = state.ExitCode()
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Signal = status.Signal().String()
		}
	}

	switch {
	case waitErr != nil && !result.Exited:
		result.Err = waitErr
	case streamErr != nil:
		result.Err = fmt.Errorf("failed to read command output: %w", streamErr)
	}

	r.logger.Debug("Command finished",
		zap.Stringer("cmd", command),
		zap.Int("exitCode", result.ExitCode),
		zap.String("signal", result.Signal),
		zap.Int("stdoutBytes", len(result.Stdout)),
		zap.Int("stderrBytes", len(result.Stderr)),
		zap.Error(result.Err),
	)

	return result
}

// openPipes attaches the three standard streams. On failure the pipes already
// opened are closed, since Start will never run to release them.
func openPipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinPipe.Close()
		return nil, nil, nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		return nil, nil, nil, err
	}

	return stdinPipe, stdoutPipe, stderrPipe, nil
}

// ValidateContainer checks that a container with exactly this name is running.
func ValidateContainer(ctx context.Context, runner CommandRunner, containerName string) error {
	if strings.TrimSpace(containerName) == "" {
		return fmt.Errorf("container name is empty")
	}

	result := runner.Run(ctx, Command{
		Executable: config.ContainerRuntime,
		Args:       []string{"ps", "--filter", fmt.Sprintf("name=%s", containerName), "--format", "{{.Names}}"},
	}, nil)
	if result.Err != nil {
		return result.Err
	}
	if !result.Success() {
		return fmt.Errorf("could not list containers: %s", strings.TrimSpace(string(result.Stderr)))
	}

	for _, name := range strings.Split(string(result.Stdout), "\n") {
		if strings.TrimSpace(name) == containerName {
			return nil
		}
	}

	return fmt.Errorf("container %s is not running; docker output: %s", containerName, result.Stdout)
}

// ValidateBinaryInContainer checks that binaryPath resolves inside the container.
func ValidateBinaryInContainer(ctx context.Context, runner CommandRunner, containerName string, binaryPath string) error {
	result := runner.Run(ctx, NewCommand("which", []string{binaryPath}, containerName), nil)
	if result.Err != nil {
		return result.Err
	}

	if !result.Success() || strings.TrimSpace(string(result.Stdout)) == "" {
		return fmt.Errorf("binary %s not found in container %s; docker output: %s", binaryPath, containerName, result.Stdout)
	}

	return nil
}
