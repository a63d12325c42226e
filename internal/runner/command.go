// Package runner invokes the external capture analyzer.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/capwatch/internal/logger"
	"github.com/loykin/capwatch/internal/record"
)

const (
	DefaultCommand   = "docker exec pcap-miner python -m PcapMiner /pcaps/{name}"
	DefaultTimeout   = 300 * time.Second
	DefaultMaxOutput = 16 << 20
	// waitDelay bounds how long Wait keeps draining pipes after the analyzer
	// was killed or exited while a grandchild still holds them open.
	waitDelay = 5 * time.Second
)

// ErrCanceled is returned when the caller's context ends before the analyzer
// finished. No outcome is produced in that case.
var ErrCanceled = errors.New("analysis canceled")

// Analyzer runs the analysis of one capture file.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (Outcome, error)
}

// Outcome is the terminal result of one analyzer run.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Kind     record.Status
	Duration time.Duration
	Timeout  time.Duration
}

// Message is the error text stored with the record: empty on success, stderr
// for a failed run when there is any, otherwise a synthesized description.
func (o Outcome) Message() string {
	switch o.Kind {
	case record.StatusSuccess:
		return ""
	case record.StatusTimeout:
		return fmt.Sprintf("analysis timed out after %s", o.Timeout)
	default:
		if strings.TrimSpace(o.Stderr) != "" {
			return o.Stderr
		}
		return fmt.Sprintf("analyzer exited with code %d", o.ExitCode)
	}
}

// Config describes how the analyzer is launched.
// Command is a template; {path}, {name} and {dir} expand to the absolute
// capture path, its base name and its directory.
type Config struct {
	Command   string              `mapstructure:"command"`
	Timeout   time.Duration       `mapstructure:"timeout"`
	WorkDir   string              `mapstructure:"work_dir"`
	Env       []string            `mapstructure:"env"`
	MaxOutput int                 `mapstructure:"max_output"`
	Log       logger.OutputConfig `mapstructure:"log"`
}

// Command is the Analyzer backed by an external process.
type Command struct {
	cfg    Config
	outLog io.WriteCloser
	errLog io.WriteCloser
}

var _ Analyzer = (*Command)(nil)

// NewCommand validates cfg, fills defaults and opens the optional output logs.
func NewCommand(cfg Config) (*Command, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	outW, errW, err := cfg.Log.Writers("analyzer")
	if err != nil {
		return nil, fmt.Errorf("open analyzer logs: %w", err)
	}
	return &Command{cfg: cfg, outLog: outW, errLog: errW}, nil
}

// Timeout reports the effective per-run timeout.
func (c *Command) Timeout() time.Duration { return c.cfg.Timeout }

// Close releases the analyzer output logs.
func (c *Command) Close() error {
	var errs []error
	for _, w := range []io.WriteCloser{c.outLog, c.errLog} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// Analyze runs the analyzer against path and waits for it to finish, time
// out, or be canceled. A nil error means the returned Outcome is terminal.
func (c *Command) Analyze(ctx context.Context, path string) (Outcome, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Outcome{}, err
	}
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := BuildCommand(runCtx, c.cfg.Command, abs)
	configureProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(mergeEnv(os.Environ(), c.cfg.Env), captureEnv(abs)...)

	stdout := newCappedBuffer(c.cfg.MaxOutput)
	stderr := newCappedBuffer(c.cfg.MaxOutput)
	cmd.Stdout = tee(stdout, c.outLog)
	cmd.Stderr = tee(stderr, c.errLog)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start analyzer: %w", err)
	}
	slog.Debug("Analyzer started", "file", filepath.Base(abs), "pid", cmd.Process.Pid)
	waitErr := cmd.Wait()

	out := Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Timeout:  c.cfg.Timeout,
	}
	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		return Outcome{}, fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Kind = record.StatusTimeout
		out.ExitCode = record.NoExitCode
		return out, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
		out.ExitCode = cmd.ProcessState.ExitCode()
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return Outcome{}, fmt.Errorf("wait analyzer: %w", waitErr)
	}
	if out.ExitCode == 0 {
		out.Kind = record.StatusSuccess
	} else {
		out.Kind = record.StatusError
	}
	return out, nil
}

// Expand substitutes the capture placeholders in one argument.
func Expand(arg, absPath string) string {
	return strings.NewReplacer(
		"{path}", absPath,
		"{name}", filepath.Base(absPath),
		"{dir}", filepath.Dir(absPath),
	).Replace(arg)
}

// Capture details are also exported to the analyzer's environment.
const (
	EnvCapturePath = "CAPWATCH_PATH"
	EnvCaptureName = "CAPWATCH_NAME"
	EnvCaptureDir  = "CAPWATCH_DIR"
)

func captureEnv(absPath string) []string {
	return []string{
		EnvCapturePath + "=" + absPath,
		EnvCaptureName + "=" + filepath.Base(absPath),
		EnvCaptureDir + "=" + filepath.Dir(absPath),
	}
}

var stripPlaceholders = strings.NewReplacer("{path}", "", "{name}", "", "{dir}", "")

// BuildCommand constructs the *exec.Cmd running tmpl against the capture at
// absPath. A shell is used only when the template itself needs one; an
// explicit "sh -c" prefix is honored without wrapping it in a second shell.
//
// The template is split into arguments before the placeholders are filled
// in, so a capture name is always exactly one argument. Shell templates see
// the capture only through parameters bound by shellCommand, never as
// script text.
func BuildCommand(ctx context.Context, tmpl, absPath string) *exec.Cmd {
	tmpl = strings.TrimSpace(tmpl)
	if script, ok := parseExplicitShell(tmpl); ok {
		return shellCommand(ctx, script, absPath)
	}
	if strings.ContainsAny(stripPlaceholders.Replace(tmpl), "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, tmpl, absPath)
	}
	parts := strings.Fields(tmpl)
	if len(parts) == 0 {
		return shellCommand(ctx, "true", absPath)
	}
	for i := range parts {
		parts[i] = Expand(parts[i], absPath)
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell matches "sh -c <script>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, p) {
			continue
		}
		after := line[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

func tee(buf io.Writer, log io.Writer) io.Writer {
	if log == nil {
		return buf
	}
	return io.MultiWriter(buf, lenientWriter{log})
}

// lenientWriter drops write errors so a full log disk cannot abort the copy
// into the capture buffer.
type lenientWriter struct{ w io.Writer }

func (l lenientWriter) Write(p []byte) (int, error) {
	_, _ = l.w.Write(p)
	return len(p), nil
}
