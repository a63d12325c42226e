package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loykin/capwatch/internal/record"
	"github.com/loykin/capwatch/internal/server"
	"github.com/loykin/capwatch/internal/store"
)

func writeConfig(t *testing.T) (string, string, string) {
	t.Helper()
	root := t.TempDir()
	watch := filepath.Join(root, "pcaps")
	out := filepath.Join(root, "results")
	if err := os.MkdirAll(watch, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(root, "capwatch.toml")
	body := "watch_dir = \"" + watch + "\"\n" +
		"output_dir = \"" + out + "\"\n" +
		"grace_period = \"10ms\"\n" +
		"[analyzer]\ncommand = \"echo analyzed {name}\"\ntimeout = \"10s\"\n" +
		"[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg, watch, out
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := buildRoot(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestHelpMentionsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, want := range []string{"capwatch", "run", "scan", "list", "show"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q: %s", want, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.Contains(out, "capwatch "+version) {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestScanThenListAndShowLocally(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix echo")
	}
	cfg, watch, _ := writeConfig(t)
	if err := os.WriteFile(filepath.Join(watch, "cli.pcap"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfg, "scan")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out, "Dispatched 1 capture(s): 1 completed") {
		t.Fatalf("unexpected scan output %q", out)
	}

	out, err = execute(t, "--config", cfg, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "cli.pcap") || !strings.Contains(out, "success") {
		t.Fatalf("unexpected list output %q", out)
	}

	out, err = execute(t, "--config", cfg, "show", "cli.pcap")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "analyzed cli.pcap") {
		t.Fatalf("show output missing analyzer output: %q", out)
	}

	if _, err := execute(t, "--config", cfg, "show", "absent.pcap"); err == nil {
		t.Fatalf("expected error for unknown analysis")
	}
}

func TestListAndDownloadRemote(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}
	rec := record.Defaults()
	rec.Filename = "remote.pcap"
	rec.Timestamp = 1700000000
	rec.Status = record.StatusTimeout
	if err := fs.Put(context.Background(), "remote.pcap", rec); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "remote.pcap"), []byte("capture"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server.NewRouter(fs, dir, "").Handler())
	defer ts.Close()

	out, err := execute(t, "list", "--api-url", ts.URL, "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, `"id": "remote.pcap"`) || !strings.Contains(out, `"status": "timeout"`) {
		t.Fatalf("unexpected list output %q", out)
	}

	target := filepath.Join(t.TempDir(), "copy.pcap")
	if _, err := execute(t, "download", "remote.pcap", "--api-url", ts.URL, "-o", target); err != nil {
		t.Fatalf("download: %v", err)
	}
	raw, err := os.ReadFile(target)
	if err != nil || string(raw) != "capture" {
		t.Fatalf("downloaded %q, %v", raw, err)
	}
	if _, err := os.Stat(target + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}

func TestChildArgsStripsDaemonFlags(t *testing.T) {
	got := childArgs([]string{"--config", "c.toml", "run", "--daemonize", "--pidfile", "/run/c.pid", "--logfile=/var/log/c.log"})
	if strings.Join(got, " ") != "--config c.toml run" {
		t.Fatalf("childArgs = %v", got)
	}
}
