// Package memo keeps the finished-job memo: a newline-delimited file of
// identity tokens for jobs known to be done. Every access holds a whole-file
// flock, so several processes may share one memo.
package memo

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/flock"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "memo"

// Store is a handle on one memo file.
type Store struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cache   map[string]struct{}
}

// New returns a Store on path. The file and its directory are created on first write.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the memo file path.
func (s *Store) Path() string { return s.path }

// Store appends id under an exclusive lock. Already present ids are not duplicated.
func (s *Store) Store(id model.JobIdentity) error {
	return s.StoreAll([]model.JobIdentity{id})
}

// StoreAll appends every id not yet in the memo under a single exclusive lock.
func (s *Store) StoreAll(ids []model.JobIdentity) error {
	if len(ids) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot create memo directory", err)
	}
	err := flock.WithFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644, flock.Exclusive, func(f *os.File) error {
		present, err := readTokens(f)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		for _, id := range ids {
			tok := id.Token()
			if _, ok := present[tok]; ok {
				continue
			}
			present[tok] = struct{}{}
			if _, err := w.WriteString(tok + "\n"); err != nil {
				return err
			}
		}
		return w.Flush()
	})
	if err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot append to finished-job memo", err)
	}
	return nil
}

// GetAll returns every well-formed identity in file order.
func (s *Store) GetAll() ([]model.JobIdentity, error) {
	var out []model.JobIdentity
	err := flock.WithFile(s.path, os.O_RDONLY, 0, flock.Shared, func(f *os.File) error {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			id, err := model.ParseIdentityToken(line)
			if err != nil {
				logger.Warnf("Ignoring malformed memo line %q in %s", line, s.path)
				continue
			}
			out = append(out, id)
		}
		return sc.Err()
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, exception.NewProvError(exception.KindStore, moduleName, "cannot read finished-job memo", err)
	}
	return out, nil
}

// CorrectList rewrites the memo keeping only ids in valid. It returns the number of ids dropped.
func (s *Store) CorrectList(valid map[string]struct{}) (int, error) {
	dropped := 0
	err := flock.WithFile(s.path, os.O_RDWR, 0, flock.Exclusive, func(f *os.File) error {
		var keep []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			tok := strings.TrimSpace(sc.Text())
			if tok == "" {
				continue
			}
			if _, ok := valid[tok]; ok {
				keep = append(keep, tok)
			} else {
				dropped++
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}
		if dropped == 0 {
			return nil
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var b strings.Builder
		for _, tok := range keep {
			b.WriteString(tok)
			b.WriteByte('\n')
		}
		_, err := f.WriteString(b.String())
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, exception.NewProvError(exception.KindStore, moduleName, "cannot rewrite finished-job memo", err)
	}
	return dropped, nil
}

// Contains reports whether id is in the memo. The file is re-read only when its
// modification time or size changed.
func (s *Store) Contains(id model.JobIdentity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cache, s.modTime, s.size = nil, time.Time{}, 0
		return false, nil
	}
	if err != nil {
		return false, exception.NewProvError(exception.KindStore, moduleName, "cannot stat finished-job memo", err)
	}
	if s.cache == nil || !st.ModTime().Equal(s.modTime) || st.Size() != s.size {
		ids, err := s.GetAll()
		if err != nil {
			return false, err
		}
		s.cache = make(map[string]struct{}, len(ids))
		for _, i := range ids {
			s.cache[i.Token()] = struct{}{}
		}
		s.modTime, s.size = st.ModTime(), st.Size()
	}
	_, ok := s.cache[id.Token()]
	return ok, nil
}

func readTokens(f *os.File) (map[string]struct{}, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if tok := strings.TrimSpace(sc.Text()); tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out, sc.Err()
}
