//go:build !windows

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/capwatch/internal/logger"
	"github.com/loykin/capwatch/internal/record"
)

func newTestCommand(t *testing.T, cfg Config) *Command {
	t.Helper()
	c, err := NewCommand(cfg)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAnalyzeSuccess(t *testing.T) {
	c := newTestCommand(t, Config{Command: "echo analyzed {name}", Timeout: 5 * time.Second})
	out, err := c.Analyze(context.Background(), "/captures/a.pcap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Kind != record.StatusSuccess || out.ExitCode != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Stdout != "analyzed a.pcap\n" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
	if out.Message() != "" {
		t.Fatalf("success must have empty message, got %q", out.Message())
	}
}

func TestAnalyzeNonZeroExit(t *testing.T) {
	c := newTestCommand(t, Config{Command: "sh -c 'echo broken capture >&2; exit 3'", Timeout: 5 * time.Second})
	out, err := c.Analyze(context.Background(), "x.pcap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Kind != record.StatusError || out.ExitCode != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Message() != "broken capture\n" {
		t.Fatalf("message = %q", out.Message())
	}
}

func TestAnalyzeTimeoutKillsGroup(t *testing.T) {
	// the shell forks a sleeper; both must be gone when Analyze returns
	c := newTestCommand(t, Config{Command: "sleep 30 & wait", Timeout: 200 * time.Millisecond})
	start := time.Now()
	out, err := c.Analyze(context.Background(), "slow.pcap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Kind != record.StatusTimeout || out.ExitCode != record.NoExitCode {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if !strings.Contains(out.Message(), "timed out") {
		t.Fatalf("message = %q", out.Message())
	}
}

func TestAnalyzeCanceled(t *testing.T) {
	c := newTestCommand(t, Config{Command: "sleep 30", Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := c.Analyze(ctx, "a.pcap")
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestAnalyzeLaunchFailure(t *testing.T) {
	c := newTestCommand(t, Config{Command: "/nonexistent/analyzer {path}"})
	if _, err := c.Analyze(context.Background(), "a.pcap"); err == nil {
		t.Fatalf("expected launch error")
	}
}

func TestAnalyzeEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	c := newTestCommand(t, Config{
		Command: "echo $MINER_MODE $(pwd)",
		WorkDir: dir,
		Env:     []string{"BASE=fast", "MINER_MODE=${BASE}-scan"},
	})
	out, err := c.Analyze(context.Background(), "a.pcap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	real, _ := filepath.EvalSymlinks(dir)
	if got := strings.TrimSpace(out.Stdout); got != "fast-scan "+real && got != "fast-scan "+dir {
		t.Fatalf("stdout = %q", got)
	}
}

func TestAnalyzeOutputCappedAndTeed(t *testing.T) {
	logDir := t.TempDir()
	c := newTestCommand(t, Config{
		Command:   "printf 0123456789",
		MaxOutput: 4,
		Log:       logger.OutputConfig{Dir: logDir},
	})
	out, err := c.Analyze(context.Background(), "a.pcap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Stdout != "0123"+truncatedMarker {
		t.Fatalf("stdout = %q", out.Stdout)
	}
	_ = c.Close()
	raw, err := os.ReadFile(filepath.Join(logDir, "analyzer.stdout.log"))
	if err != nil {
		t.Fatalf("read tee log: %v", err)
	}
	if string(raw) != "0123456789" {
		t.Fatalf("tee log = %q", raw)
	}
}

func TestExpand(t *testing.T) {
	got := Expand("--in={path}", "/data/pcaps/a.pcap")
	if got != "--in=/data/pcaps/a.pcap" {
		t.Fatalf("Expand = %q", got)
	}
	if got := Expand("{dir}/{name}", "/data/pcaps/a.pcap"); got != "/data/pcaps/a.pcap" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestBuildCommand(t *testing.T) {
	ctx := context.Background()
	cmd := BuildCommand(ctx, DefaultCommand, "/pcaps/a b.pcap")
	want := []string{"docker", "exec", "pcap-miner", "python", "-m", "PcapMiner", "/pcaps/a b.pcap"}
	if strings.Join(cmd.Args, "|") != strings.Join(want, "|") {
		t.Fatalf("expected direct exec with one capture argument, got %q", cmd.Args)
	}
	cmd = BuildCommand(ctx, "miner {path} | tee out", "/pcaps/a.pcap")
	if cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" || cmd.Args[2] != `miner "${1}" | tee out` {
		t.Fatalf("expected shell with bound path, got %q", cmd.Args)
	}
	if strings.Join(cmd.Args[3:], "|") != "sh|/pcaps/a.pcap|a.pcap|/pcaps" {
		t.Fatalf("positional parameters = %q", cmd.Args[3:])
	}
	cmd = BuildCommand(ctx, "sh -c 'echo hi > /dev/null'", "/pcaps/a.pcap")
	if len(cmd.Args) < 3 || cmd.Args[2] != "echo hi > /dev/null" {
		t.Fatalf("explicit shell not unwrapped: %q", cmd.Args)
	}
}

func TestBindPlaceholders(t *testing.T) {
	cases := map[string]string{
		"miner {path}":              `miner "${1}"`,
		`miner "{dir}/{name}"`:      `miner "${3}/${2}"`,
		"echo '{name}' done":        `echo ''"${2}"'' done`,
		`echo \{name} {name}`:       `echo \{name} "${2}"`,
		"echo {other} {name}{path}": `echo {other} "${2}""${1}"`,
	}
	for in, want := range cases {
		if got := bindPlaceholders(in); got != want {
			t.Fatalf("bindPlaceholders(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCaptureNameIsNeverShellText(t *testing.T) {
	names := []string{"a;touch PWNED;b.pcap", "$(touch PWNED).pcap", "`touch PWNED`.pcap", "office capture.pcap", "it's \"x\".pcap"}
	templates := []string{
		"echo {name}",
		"sh -c 'printf \"%s\\n\" {name}'",
		"printf '%s\\n' {name} | cat",
		`sh -c "echo '{name}'"`,
		`sh -c 'echo "{name}"'`,
	}
	for _, tmpl := range templates {
		for _, name := range names {
			work := t.TempDir()
			c := newTestCommand(t, Config{Command: tmpl, WorkDir: work, Timeout: 5 * time.Second})
			out, err := c.Analyze(context.Background(), filepath.Join(work, name))
			if err != nil {
				t.Fatalf("%s / %s: Analyze: %v", tmpl, name, err)
			}
			if out.Kind != record.StatusSuccess || out.Stdout != name+"\n" {
				t.Fatalf("%s / %s: outcome %+v", tmpl, name, out)
			}
			if _, err := os.Stat(filepath.Join(work, "PWNED")); err == nil {
				t.Fatalf("%s / %s: capture name was executed", tmpl, name)
			}
		}
	}
}

func TestAnalyzeExportsCaptureEnv(t *testing.T) {
	c := newTestCommand(t, Config{Command: `sh -c 'echo "$CAPWATCH_NAME|$CAPWATCH_DIR"'`})
	out, err := c.Analyze(context.Background(), "/captures/a b.pcap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Stdout != "a b.pcap|/captures\n" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=old", "=bad"}, []string{"B=${A}-x", "C=${MISSING}"})
	want := []string{"A=1", "B=1-x", "C=${MISSING}"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("mergeEnv = %v, want %v", got, want)
	}
}
