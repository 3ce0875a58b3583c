package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/flock"
)

// MonthlyFile is an io.Writer appending to <dir>/<prefix>-YYYY-MM.log.
// Every write holds an exclusive flock so that several processes can share the file,
// and at most maxFiles monthly files are kept on disk.
type MonthlyFile struct {
	dir      string
	prefix   string
	maxFiles int
	now      func() time.Time

	mu      sync.Mutex
	current string
}

// NewMonthlyFile creates dir if needed. maxFiles <= 0 disables pruning.
func NewMonthlyFile(dir, prefix string, maxFiles int) (*MonthlyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	if prefix == "" {
		prefix = "provd"
	}
	return &MonthlyFile{dir: dir, prefix: prefix, maxFiles: maxFiles, now: time.Now}, nil
}

// Path returns the file the next write goes to.
func (m *MonthlyFile) Path() string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%s.log", m.prefix, m.now().Format("2006-01")))
}

// Write implements io.Writer.
func (m *MonthlyFile) Write(p []byte) (int, error) {
	path := m.Path()

	m.mu.Lock()
	rolled := path != m.current
	m.current = path
	m.mu.Unlock()

	n := 0
	err := flock.WithFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644, flock.Exclusive, func(f *os.File) error {
		var werr error
		n, werr = f.Write(p)
		return werr
	})
	if err != nil {
		return n, err
	}
	if rolled {
		// Pruning failures must not lose the log line itself.
		_ = m.prune()
	}
	return n, nil
}

// prune removes the oldest monthly files beyond maxFiles.
// YYYY-MM names sort chronologically.
func (m *MonthlyFile) prune() error {
	if m.maxFiles <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(m.dir, m.prefix+"-*.log"))
	if err != nil {
		return err
	}
	months := matches[:0]
	for _, p := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), m.prefix+"-"), ".log")
		if _, perr := time.Parse("2006-01", stamp); perr == nil {
			months = append(months, p)
		}
	}
	if len(months) <= m.maxFiles {
		return nil
	}
	sort.Strings(months)
	for _, p := range months[:len(months)-m.maxFiles] {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}
