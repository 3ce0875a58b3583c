package changelog

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, program string, args ...string) (string, error)

// RunSubprocess runs program and collects its output. A non-zero exit is an error
// carrying stderr.
func RunSubprocess(ctx context.Context, program string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Join(fmt.Errorf("while running %s %s: %s", program, strings.Join(args, " "), strings.TrimSpace(stderr.String())), err)
	}
	return stdout.String(), nil
}

// Source reads and clears an MDT change log.
type Source interface {
	// Read returns the raw records with rec_id > after.
	Read(ctx context.Context, mdt string, after int64) ([]string, error)
	// Clear releases records up to and including upTo for the change-log user.
	Clear(ctx context.Context, mdt, user string, upTo int64) error
}

// Resolver maps a FID to a path.
type Resolver interface {
	// Resolve returns the path of fid or model.FileNotExist.
	Resolve(ctx context.Context, mdt, fid string) string
}

// LfsSource drives `lfs changelog` and `lfs changelog_clear`.
type LfsSource struct {
	LfsPath string
	Run     Runner
}

// NewLfsSource uses the lfs binary found on PATH.
func NewLfsSource() *LfsSource {
	return &LfsSource{LfsPath: "lfs", Run: RunSubprocess}
}

// Read implements Source.
func (s *LfsSource) Read(ctx context.Context, mdt string, after int64) ([]string, error) {
	args := []string{"changelog", mdt}
	if after > 0 {
		args = append(args, strconv.FormatInt(after+1, 10))
	}
	out, err := s.Run(ctx, s.LfsPath, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Clear implements Source.
func (s *LfsSource) Clear(ctx context.Context, mdt, user string, upTo int64) error {
	_, err := s.Run(ctx, s.LfsPath, "changelog_clear", mdt, user, strconv.FormatInt(upTo, 10))
	return err
}

// LfsResolver resolves FIDs with `lfs fid2path`, trying each candidate mount of the MDT in order.
type LfsResolver struct {
	LfsPath string
	Mounts  map[string][]string
	Run     Runner
}

// NewLfsResolver builds a resolver over the configured MDT mount map.
func NewLfsResolver(mounts map[string][]string) *LfsResolver {
	return &LfsResolver{LfsPath: "lfs", Mounts: mounts, Run: RunSubprocess}
}

// Resolve implements Resolver.
func (r *LfsResolver) Resolve(ctx context.Context, mdt, fid string) string {
	if fid == "" {
		return ""
	}
	for _, mount := range r.Mounts[mdt] {
		out, err := r.Run(ctx, r.LfsPath, "fid2path", mount, fid)
		if err != nil {
			logger.Debugf("fid2path %s on %s: %v", fid, mount, err)
			continue
		}
		if path := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0]); path != "" {
			return path
		}
	}
	return model.FileNotExist
}
