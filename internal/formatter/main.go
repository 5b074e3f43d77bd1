package formatter

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"github.com/cristianradulescu/perltidy-ls/internal/utils"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// MaxColumn stands for "end of line" in a widened range. It is the largest
// uinteger LSP allows; clients clamp it to the real line length.
const MaxColumn uint32 = math.MaxInt32

// Request is a span of a document to format.
type Request struct {
	Text  string
	Range protocol.Range
}

// FormatError is a failed formatter run. ExitCode is nil when the process
// never exited normally (launch failure or signal).
type FormatError struct {
	ExitCode *int
	Signal   string
	Message  string
}

func (e *FormatError) Error() string {
	switch {
	case e.ExitCode != nil:
		return fmt.Sprintf("could not format, code: %d, error: %s", *e.ExitCode, e.Message)
	case e.Signal != "":
		return fmt.Sprintf("could not format, signal: %s, error: %s", e.Signal, e.Message)
	default:
		return fmt.Sprintf("could not format, error: %s", e.Message)
	}
}

type Formatter struct {
	runner container.CommandRunner
	logger *zap.Logger
}

func NewFormatter(runner container.CommandRunner, logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{
		runner: runner,
		logger: logger,
	}
}

// Format runs the configured tool over the requested span and returns the
// edit replacing it. A disabled config yields no edit and no error. Failures
// are always a *FormatError. Format blocks until the tool exits; callers that
// must stay responsive run it on their own goroutine.
func (f *Formatter) Format(ctx context.Context, req Request, cfg config.FormatConfig) (*protocol.TextEdit, error) {
	if !cfg.Enabled {
		f.logger.Debug("Formatting disabled, skipping")
		return nil, nil
	}

	rng := NormalizeRange(req.Range)
	input := utils.RangeText(req.Text, rng)
	command := BuildCommand(cfg)

	result := f.runner.Run(ctx, command, []byte(input))
	if err := interpretResult(result); err != nil {
		f.logger.Debug("Formatter failed", zap.Stringer("cmd", command), zap.Error(err))
		return nil, err
	}

	return &protocol.TextEdit{
		Range:   rng,
		NewText: reconcileNewline(input, string(result.Stdout)),
	}, nil
}

// NormalizeRange widens a range spanning several lines to whole lines.
// Single-line ranges are returned unchanged.
func NormalizeRange(rng protocol.Range) protocol.Range {
	if rng.Start.Line == rng.End.Line {
		return rng
	}

	return protocol.Range{
		Start: protocol.Position{Line: rng.Start.Line, Character: 0},
		End:   protocol.Position{Line: rng.End.Line, Character: MaxColumn},
	}
}

// BuildCommand resolves executable, arguments and container wrapping.
func BuildCommand(cfg config.FormatConfig) container.Command {
	return container.NewCommand(cfg.Executable(), cfg.Arguments(), cfg.ContainerName)
}

func interpretResult(result *container.CommandResult) error {
	var message string
	switch {
	case result.Err != nil:
		message = result.Err.Error()
	case len(result.Stderr) > 0:
		message = string(result.Stderr)
	case result.ExitCode != 0:
		// some tools report errors on stdout
		message = string(result.Stdout)
	}

	if result.Err != nil || !result.Exited {
		return &FormatError{Message: strings.TrimSpace(message)}
	}
	if result.Signal != "" {
		return &FormatError{Signal: result.Signal, Message: strings.TrimSpace(message)}
	}
	if result.ExitCode != 0 {
		exitCode := result.ExitCode
		return &FormatError{ExitCode: &exitCode, Message: strings.TrimSpace(message)}
	}

	return nil
}

// reconcileNewline drops the single "\n" the tool appended when the input had
// none. Any other final character is kept.
func reconcileNewline(input string, output string) string {
	if strings.HasSuffix(input, "\n") {
		return output
	}
	return strings.TrimSuffix(output, "\n")
}
