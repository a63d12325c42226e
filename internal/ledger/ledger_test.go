package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAppendLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "processed.txt")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, n := range []string{"a.pcap", "b.pcapng", "a.pcap"} {
		if err := l.Append(n); err != nil {
			t.Fatalf("Append(%s): %v", n, err)
		}
	}
	set, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 distinct entries, got %v", set)
	}
	if _, ok := set["b.pcapng"]; !ok {
		t.Fatalf("missing b.pcapng in %v", set)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	l := &Ledger{path: filepath.Join(t.TempDir(), "none.txt")}
	set, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %v", set)
	}
}

func TestPartialTailIsRepaired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.txt")
	if err := os.WriteFile(path, []byte("a.pcap\nb.pc"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append("c.pcap"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "a.pcap\nb.pc\nc.pcap\n" {
		t.Fatalf("unexpected ledger content %q", raw)
	}
	set, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := set["c.pcap"]; !ok {
		t.Fatalf("c.pcap must not be merged with the fragment: %v", set)
	}
}

func TestLoadIgnoresUnterminatedFragment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.txt")
	if err := os.WriteFile(path, []byte("a.pcap\nb.pc"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := &Ledger{path: path}
	set, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected only the complete entry, got %v", set)
	}
}

func TestAppendRejectsNewlines(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "p.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append("evil\nname"); err == nil {
		t.Fatalf("expected error for embedded newline")
	}
	if err := l.Append(""); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestConcurrentAppends(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "p.txt"))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Append(fmt.Sprintf("f%02d.pcap", i)); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()
	set, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(set))
	}
}
