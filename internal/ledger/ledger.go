// Package ledger keeps the append-only list of capture files whose processing
// has concluded. It is the recovery source for the in-memory dedup set.
//
// The file holds one filename per line. A line is only trusted once its
// newline has been written; a trailing fragment left by a crash mid-append is
// ignored on Load and terminated on Open so later appends stay well formed.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Ledger struct {
	mu   sync.Mutex
	path string
}

// Open prepares the ledger at path, creating parent directories and
// terminating a partial last line if one is present.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty ledger path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	l := &Ledger{path: path}
	if err := l.repairTail(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) repairTail() error {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.WriteAt([]byte{'\n'}, st.Size()); err != nil {
		return fmt.Errorf("repair ledger tail: %w", err)
	}
	return f.Sync()
}

// Append records name as processed. It returns only after the entry is
// synced to disk.
func (l *Ledger) Append(name string) error {
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("invalid ledger entry %q", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(name + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Load returns every complete entry ever appended.
func (l *Ledger) Load() (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := make(map[string]struct{})
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return set, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// unterminated fragment from an interrupted append
			break
		}
		if err != nil {
			return nil, err
		}
		name := strings.TrimRight(line, "\r\n")
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set, nil
}
