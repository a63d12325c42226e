package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loykin/capwatch/internal/record"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "results"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := record.Record{Filename: "a.pcap", Timestamp: 42, Status: record.StatusSuccess, Stdout: "flows: 3\n"}
	if err := s.Put(ctx, "a.pcap", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "a.pcap")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Filename != "a.pcap" || got.Stdout != "flows: 3\n" || got.Status != record.StatusSuccess || got.Error != nil {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "a.pcap.json")); err != nil {
		t.Fatalf("record file not at expected path: %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, "a.pcap", record.Record{Filename: "a.pcap", Timestamp: 1, Status: record.StatusError})
	if err := s.Put(ctx, "a.pcap", record.Record{Filename: "a.pcap", Timestamp: 2, Status: record.StatusSuccess}); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Status != record.StatusSuccess {
		t.Fatalf("expected single overwritten record, got %+v", list)
	}
}

func TestGetNotFoundAndInvalidID(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"missing.pcap", "../secret", ""} {
		if _, err := s.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(%q): expected ErrNotFound, got %v", id, err)
		}
	}
	if err := s.Put(context.Background(), "../x", record.Record{}); err == nil {
		t.Fatalf("expected Put to reject traversal id")
	}
}

func TestPutAcceptsAnyCaptureName(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"office capture.pcap", "tap+1 (eth0):12.pcap", "a..b.pcapng"} {
		if err := s.Put(ctx, id, record.Record{Filename: id, Status: record.StatusSuccess}); err != nil {
			t.Fatalf("Put(%q): %v", id, err)
		}
		ok, err := s.Exists(ctx, id)
		if err != nil || !ok {
			t.Fatalf("Exists(%q) = %v, %v", id, ok, err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 listed records, got %+v", list)
	}
	if err := s.Put(ctx, ".hidden.pcap", record.Record{}); err == nil {
		t.Fatalf("expected Put to reject a hidden id")
	}
}

func TestListOrderNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i, ts := range []float64{10, 30, 20} {
		id := []string{"a.pcap", "b.pcap", "c.pcap"}[i]
		if err := s.Put(ctx, id, record.Record{Filename: id, Timestamp: ts, Status: record.StatusSuccess}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	want := []float64{30, 20, 10}
	for i := range want {
		if list[i].Timestamp != want[i] {
			t.Fatalf("position %d: got %v want %v", i, list[i].Timestamp, want[i])
		}
	}
}

func TestListSkipsCorruptAndDefaultsMissingFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, "good.pcap", record.Record{Filename: "good.pcap", Timestamp: 5, Status: record.StatusSuccess})
	if err := os.WriteFile(filepath.Join(s.Dir(), "bad.pcap.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "sparse.pcap.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected corrupt record skipped, got %+v", list)
	}
	sparse := list[1]
	if sparse.ID != "sparse.pcap" || sparse.Filename != "Unknown" || sparse.Status != "unknown" || sparse.ExitCode != -1 || sparse.Date != "N/A" {
		t.Fatalf("unexpected defaults: %+v", sparse)
	}
	if _, err := s.Get(ctx, "bad.pcap"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

// A crash between writing the temp file and renaming it leaves only the temp
// file behind; readers must keep seeing the previous complete record.
func TestInterruptedWriteIsInvisible(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	prev := record.Record{Filename: "a.pcap", Timestamp: 1, Status: record.StatusSuccess, Stdout: strings.Repeat("x", 4096)}
	if err := s.Put(ctx, "a.pcap", prev); err != nil {
		t.Fatalf("Put: %v", err)
	}
	partial := []byte(`{"filename":"a.pcap","status":"success","pcap_miner_output":"xx`)
	tmp := filepath.Join(s.Dir(), ".a.pcap.json.tmp-123")
	if err := os.WriteFile(tmp, partial, 0o644); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(s.Dir(), ".b.pcap.json.tmp-456")
	if err := os.WriteFile(orphan, partial, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "a.pcap")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Stdout) != 4096 {
		t.Fatalf("expected previous complete record, got stdout len %d", len(got.Stdout))
	}
	if _, err := s.Get(ctx, "b.pcap"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphan temp file must not be readable, got %v", err)
	}
	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Fatalf("temp files must not be listed: %+v", list)
	}
}

func TestConcurrentPutNeverExposesPartialRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	big := strings.Repeat("y", 64*1024)
	_ = s.Put(ctx, "a.pcap", record.Record{Filename: "a.pcap", Status: record.StatusSuccess, Stdout: big})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.Put(ctx, "a.pcap", record.Record{Filename: "a.pcap", Timestamp: float64(i), Status: record.StatusSuccess, Stdout: big})
		}
		close(stop)
	}()
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		got, err := s.Get(ctx, "a.pcap")
		if err != nil {
			t.Fatalf("Get during writes: %v", err)
		}
		if len(got.Stdout) != len(big) {
			t.Fatalf("observed partial record: stdout len %d", len(got.Stdout))
		}
	}
}

func TestExists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ok, err := s.Exists(ctx, "a.pcap")
	if err != nil || ok {
		t.Fatalf("expected missing, got %v %v", ok, err)
	}
	_ = s.Put(ctx, "a.pcap", record.Record{Filename: "a.pcap"})
	ok, err = s.Exists(ctx, "a.pcap")
	if err != nil || !ok {
		t.Fatalf("expected present, got %v %v", ok, err)
	}
}
