package config

import (
	"os"
	"sync"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Store holds the active configuration and reloads it when the file's mtime changes.
// Reloads happen lazily on Current; an invalid file keeps the last good Config.
type Store struct {
	path    string
	envFile string
	role    Role

	mu      sync.Mutex
	cfg     *Config
	modTime time.Time
}

// NewStore loads and validates the file once. Failures here are fatal to the caller.
func NewStore(path, envFile string, role Role) (*Store, error) {
	s := &Store{path: path, envFile: envFile, role: role}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindConfig, moduleName, "stat %s", path, err)
	}
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cfg, s.modTime = cfg, fi.ModTime()
	return s, nil
}

// NewStaticStore wraps an already loaded Config; Current never reloads.
func NewStaticStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) load() (*Config, error) {
	cfg, err := Load(s.path, s.envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(s.role); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the watched file.
func (s *Store) Path() string { return s.path }

// Current returns the active Config, reloading first when the file changed.
func (s *Store) Current() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return s.cfg
	}
	fi, err := os.Stat(s.path)
	if err != nil || !fi.ModTime().After(s.modTime) {
		return s.cfg
	}
	cfg, err := s.load()
	s.modTime = fi.ModTime()
	if err != nil {
		logger.Errorf("Config reload of %s rejected, keeping previous configuration: %v", s.path, err)
		return s.cfg
	}
	logger.Infof("Config reloaded from %s: %s", s.path, cfg)
	logger.SetLogLevel(cfg.Logging.Level)
	s.cfg = cfg
	return s.cfg
}
