package formatter_test

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"

	"github.com/cristianradulescu/perltidy-ls/internal/config"
	"github.com/cristianradulescu/perltidy-ls/internal/container"
	"github.com/cristianradulescu/perltidy-ls/internal/formatter"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

type recordingRunner struct {
	commands []container.Command
	stdins   []string
	result   *container.CommandResult
}

func (r *recordingRunner) Run(_ context.Context, command container.Command, stdin []byte) *container.CommandResult {
	r.commands = append(r.commands, command)
	r.stdins = append(r.stdins, string(stdin))
	return r.result
}

func exited(code int, stdout, stderr string) *container.CommandResult {
	return &container.CommandResult{
		Exited:   true,
		ExitCode: code,
		Stdout:   []byte(stdout),
		Stderr:   []byte(stderr),
	}
}

func rng(startLine, startChar, endLine, endChar uint32) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: startLine, Character: startChar},
		End:   protocol.Position{Line: endLine, Character: endChar},
	}
}

var enabled = config.FormatConfig{Enabled: true}

const document = "use strict;\nif ($x) {print 1}\nelse {print 2}\n"

func TestFormatter_Format_Disabled(t *testing.T) {
	runner := &recordingRunner{result: exited(0, "should not be used", "")}
	f := formatter.NewFormatter(runner, nil)

	edit, err := f.Format(context.Background(), formatter.Request{Text: document, Range: rng(0, 0, 2, 3)}, config.FormatConfig{
		Enabled:        false,
		ExecutablePath: "perltidy",
		ContainerName:  "perl-box",
	})

	assert.NoError(t, err)
	assert.Nil(t, edit)
	assert.Empty(t, runner.commands, "a disabled formatter must not spawn a process")
}

func TestFormatter_Format_RangeNormalization(t *testing.T) {
	tests := []struct {
		name          string
		requested     protocol.Range
		expectedRange protocol.Range
		expectedInput string
	}{
		{
			name:          "multi-line range is widened to whole lines",
			requested:     rng(1, 4, 2, 3),
			expectedRange: rng(1, 0, 2, formatter.MaxColumn),
			expectedInput: "if ($x) {print 1}\nelse {print 2}",
		},
		{
			name:          "single-line range is unchanged",
			requested:     rng(1, 8, 1, 17),
			expectedRange: rng(1, 8, 1, 17),
			expectedInput: "{print 1}",
		},
		{
			name:          "range ending at column 0 of the next line",
			requested:     rng(0, 0, 1, 0),
			expectedRange: rng(0, 0, 1, formatter.MaxColumn),
			expectedInput: "use strict;\nif ($x) {print 1}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{result: exited(0, "formatted\n", "")}
			f := formatter.NewFormatter(runner, nil)

			edit, err := f.Format(context.Background(), formatter.Request{Text: document, Range: tt.requested}, enabled)
			require.NoError(t, err)
			require.NotNil(t, edit)

			assert.Equal(t, tt.expectedRange, edit.Range)
			require.Len(t, runner.stdins, 1)
			assert.Equal(t, tt.expectedInput, runner.stdins[0], "the tool must receive exactly the sliced text")
		})
	}
}

func TestNormalizeRange(t *testing.T) {
	assert.Equal(t, rng(3, 0, 7, formatter.MaxColumn), formatter.NormalizeRange(rng(3, 5, 7, 2)))
	assert.Equal(t, rng(3, 5, 3, 9), formatter.NormalizeRange(rng(3, 5, 3, 9)))
	assert.Equal(t, rng(0, 0, 0, 0), formatter.NormalizeRange(rng(0, 0, 0, 0)))
}

func TestFormatter_Format_WidenedEditFitsProtocolUinteger(t *testing.T) {
	runner := &recordingRunner{result: exited(0, "a;\nb;\n", "")}
	f := formatter.NewFormatter(runner, nil)

	edit, err := f.Format(context.Background(), formatter.Request{Text: "a;\nb;\n", Range: rng(0, 1, 1, 1)}, enabled)
	require.NoError(t, err)
	require.NotNil(t, edit)

	rawData, err := json.Marshal(edit)
	require.NoError(t, err)

	var decoded struct {
		Range struct {
			End struct {
				Character int64 `json:"character"`
			} `json:"end"`
		} `json:"range"`
	}
	require.NoError(t, json.Unmarshal(rawData, &decoded))
	assert.Equal(t, int64(2147483647), decoded.Range.End.Character)
	assert.LessOrEqual(t, decoded.Range.End.Character, int64(1<<31-1))
}

func TestFormatter_Format_NewlineReconciliation(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		rng      protocol.Range
		output   string
		expected string
	}{
		{
			name:     "appended newline is dropped when input has none",
			text:     "if ($x) {print 1}",
			rng:      rng(0, 0, 0, 17),
			output:   "if ($x) { print 1 }\n",
			expected: "if ($x) { print 1 }",
		},
		{
			name:     "output is kept verbatim when input ends in newline",
			text:     "a;\nb;\n",
			rng:      rng(0, 0, 2, 0),
			output:   "a;\nb;\n",
			expected: "a;\nb;\n",
		},
		{
			name:     "final character that is not a newline is kept",
			text:     "x;",
			rng:      rng(0, 0, 0, 2),
			output:   "x ;",
			expected: "x ;",
		},
		{
			name:     "only one newline is dropped",
			text:     "x;",
			rng:      rng(0, 0, 0, 2),
			output:   "x;\n\n",
			expected: "x;\n",
		},
		{
			name:     "only the LF of a CRLF terminator is dropped",
			text:     "x;\r\ny;\r\n",
			rng:      rng(0, 0, 1, 1),
			output:   "x;\r\ny;\r\n",
			expected: "x;\r\ny;\r",
		},
		{
			name:     "empty output",
			text:     "x;",
			rng:      rng(0, 0, 0, 2),
			output:   "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{result: exited(0, tt.output, "")}
			f := formatter.NewFormatter(runner, nil)

			edit, err := f.Format(context.Background(), formatter.Request{Text: tt.text, Range: tt.rng}, enabled)
			require.NoError(t, err)
			require.NotNil(t, edit)
			assert.Equal(t, tt.expected, edit.NewText)
		})
	}
}

func intPtr(i int) *int {
	return &i
}

func TestFormatter_Format_Failures(t *testing.T) {
	tests := []struct {
		name     string
		result   *container.CommandResult
		expected *formatter.FormatError
	}{
		{
			name:     "nonzero exit reports trimmed stderr",
			result:   exited(2, "", "  syntax error\n"),
			expected: &formatter.FormatError{ExitCode: intPtr(2), Message: "syntax error"},
		},
		{
			name:     "nonzero exit without stderr reports stdout",
			result:   exited(1, "\nfile has errors\n", ""),
			expected: &formatter.FormatError{ExitCode: intPtr(1), Message: "file has errors"},
		},
		{
			name:     "stderr wins over stdout",
			result:   exited(1, "stdout text", "stderr text"),
			expected: &formatter.FormatError{ExitCode: intPtr(1), Message: "stderr text"},
		},
		{
			name:     "launch failure has no exit code",
			result:   &container.CommandResult{Err: errors.New(`exec: "perltidy": executable file not found in $PATH`)},
			expected: &formatter.FormatError{Message: `exec: "perltidy": executable file not found in $PATH`},
		},
		{
			name:     "termination by signal",
			result:   &container.CommandResult{Exited: true, ExitCode: -1, Signal: "killed", Stdout: []byte("partial")},
			expected: &formatter.FormatError{Signal: "killed", Message: "partial"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{result: tt.result}
			f := formatter.NewFormatter(runner, nil)

			edit, err := f.Format(context.Background(), formatter.Request{Text: "x;", Range: rng(0, 0, 0, 2)}, enabled)
			assert.Nil(t, edit, "no edit may be produced on failure")

			var formatErr *formatter.FormatError
			require.True(t, errors.As(err, &formatErr), "expected *FormatError, got %v", err)
			if diff := cmp.Diff(tt.expected, formatErr); diff != "" {
				t.Errorf("FormatError mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatter_Format_StderrIgnoredOnSuccess(t *testing.T) {
	runner := &recordingRunner{result: exited(0, "x;\n", "warning: something\n")}
	f := formatter.NewFormatter(runner, nil)

	edit, err := f.Format(context.Background(), formatter.Request{Text: "x;", Range: rng(0, 0, 0, 2)}, enabled)
	require.NoError(t, err)
	assert.Equal(t, "x;", edit.NewText)
}

func TestFormatError_Error(t *testing.T) {
	assert.Equal(t, "could not format, code: 2, error: syntax error",
		(&formatter.FormatError{ExitCode: intPtr(2), Message: "syntax error"}).Error())
	assert.Equal(t, "could not format, signal: killed, error: ",
		(&formatter.FormatError{Signal: "killed"}).Error())
	assert.Equal(t, "could not format, error: not found",
		(&formatter.FormatError{Message: "not found"}).Error())
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.FormatConfig
		expected []string
	}{
		{
			name:     "defaults",
			cfg:      config.FormatConfig{Enabled: true},
			expected: append([]string{"perltidy"}, config.DefaultArgs...),
		},
		{
			name:     "custom executable and args",
			cfg:      config.FormatConfig{Enabled: true, ExecutablePath: "/opt/bin/perltidy", Args: []string{"-pbp"}},
			expected: []string{"/opt/bin/perltidy", "-pbp"},
		},
		{
			name: "container wrapping",
			cfg: config.FormatConfig{
				Enabled:        true,
				ExecutablePath: "tidy",
				Args:           []string{"-q", "-ce"},
				ContainerName:  "mybox",
			},
			expected: []string{"docker", "exec", "-i", "mybox", "tidy", "-q", "-ce"},
		},
		{
			name:     "container wrapping with default args",
			cfg:      config.FormatConfig{Enabled: true, ExecutablePath: "tidy", ContainerName: "mybox"},
			expected: append([]string{"docker", "exec", "-i", "mybox", "tidy"}, config.DefaultArgs...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatter.BuildCommand(tt.cfg).Argv())
		})
	}
}

func TestFormatter_Format_ContainerInvocation(t *testing.T) {
	runner := &recordingRunner{result: exited(0, "x;\n", "")}
	f := formatter.NewFormatter(runner, nil)

	_, err := f.Format(context.Background(), formatter.Request{Text: "x;", Range: rng(0, 0, 0, 2)}, config.FormatConfig{
		Enabled:        true,
		ExecutablePath: "tidy",
		Args:           []string{"-q"},
		ContainerName:  "mybox",
	})
	require.NoError(t, err)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, []string{"docker", "exec", "-i", "mybox", "tidy", "-q"}, runner.commands[0].Argv())
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellConfig(script string) config.FormatConfig {
	return config.FormatConfig{
		Enabled:        true,
		ExecutablePath: "sh",
		Args:           []string{"-c", script},
	}
}

func TestFormatter_Format_RealProcess(t *testing.T) {
	requireShell(t)

	t.Run("tool output replaces the range", func(t *testing.T) {
		f := formatter.NewFormatter(container.NewExecRunner(nil), nil)
		edit, err := f.Format(context.Background(),
			formatter.Request{Text: document, Range: rng(1, 2, 2, 5)},
			shellConfig("tr a-z A-Z"),
		)
		require.NoError(t, err)
		assert.Equal(t, protocol.TextEdit{
			Range:   rng(1, 0, 2, formatter.MaxColumn),
			NewText: "IF ($X) {PRINT 1}\nELSE {PRINT 2}",
		}, *edit)
	})

	t.Run("chunked output on both streams is collected in full", func(t *testing.T) {
		f := formatter.NewFormatter(container.NewExecRunner(nil), nil)
		script := `cat >/dev/null; for i in 1 2 3 4 5; do printf "chunk$i;"; printf "note$i" >&2; sleep 0.02; done; echo`
		edit, err := f.Format(context.Background(), formatter.Request{Text: "x;", Range: rng(0, 0, 0, 2)}, shellConfig(script))
		require.NoError(t, err)
		assert.Equal(t, "chunk1;chunk2;chunk3;chunk4;chunk5;", edit.NewText)
	})

	t.Run("nonzero exit with stderr", func(t *testing.T) {
		f := formatter.NewFormatter(container.NewExecRunner(nil), nil)
		edit, err := f.Format(context.Background(),
			formatter.Request{Text: "x;", Range: rng(0, 0, 0, 2)},
			shellConfig("cat >/dev/null; echo 'syntax error' >&2; exit 2"),
		)
		assert.Nil(t, edit)

		var formatErr *formatter.FormatError
		require.True(t, errors.As(err, &formatErr))
		require.NotNil(t, formatErr.ExitCode)
		assert.Equal(t, 2, *formatErr.ExitCode)
		assert.Equal(t, "syntax error", formatErr.Message)
	})

	t.Run("nonexistent executable", func(t *testing.T) {
		f := formatter.NewFormatter(container.NewExecRunner(nil), nil)
		edit, err := f.Format(context.Background(),
			formatter.Request{Text: "x;", Range: rng(0, 0, 0, 2)},
			config.FormatConfig{Enabled: true, ExecutablePath: "definitely-not-perltidy-12345"},
		)
		assert.Nil(t, edit)

		var formatErr *formatter.FormatError
		require.True(t, errors.As(err, &formatErr))
		assert.Nil(t, formatErr.ExitCode)
		assert.Contains(t, formatErr.Message, "definitely-not-perltidy-12345")
		assert.Contains(t, formatErr.Message, "executable file not found")
	})
}

func TestFormatter_Format_Concurrent(t *testing.T) {
	requireShell(t)

	f := formatter.NewFormatter(container.NewExecRunner(nil), nil)
	inputs := []string{"a;", "b;", "c;", "d;", "e;", "f;"}

	type outcome struct {
		input string
		edit  *protocol.TextEdit
		err   error
	}
	results := make(chan outcome, len(inputs))
	for _, input := range inputs {
		go func(input string) {
			edit, err := f.Format(context.Background(), formatter.Request{Text: input, Range: rng(0, 0, 0, 2)}, shellConfig("sleep 0.05; cat; echo"))
			results <- outcome{input: input, edit: edit, err: err}
		}(input)
	}

	for range inputs {
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, res.input, res.edit.NewText)
	}
}
