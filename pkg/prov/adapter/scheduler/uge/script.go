package uge

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
)

// ScriptCandidates lists the paths tried for info's script, in order.
func (c *Client) ScriptCandidates(info model.JobInfo) []string {
	if info.UGE == nil {
		return nil
	}
	var out []string
	if cl, ok := c.cfg.Cluster(info.Identity.Cluster); ok && cl.SpoolDir != "" && info.UGE.ExecHost != "" {
		host := info.UGE.ExecHost
		out = append(out,
			filepath.Join(cl.SpoolDir, host, "job_scripts", info.Identity.JobID),
			filepath.Join(cl.SpoolDir, host, host, "job_scripts", info.Identity.JobID),
		)
	}
	if info.UGE.Pwd == "" {
		return out
	}
	if fields := strings.Fields(info.UGE.Command); len(fields) > 0 {
		out = append(out, filepath.Join(info.UGE.Pwd, path.Base(fields[0])))
	}
	return out
}

// JobScript reads the first existing candidate. Interactive sessions have no script.
func (c *Client) JobScript(ctx context.Context, info model.JobInfo) (string, error) {
	if info.UGE == nil {
		return "", scheduler.ErrNoScript
	}
	if fields := strings.Fields(info.UGE.Command); len(fields) > 0 {
		switch path.Base(fields[0]) {
		case "qlogin", "qrsh":
			return model.NoScript, nil
		}
	}
	for _, p := range c.ScriptCandidates(info) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", exception.NewProvErrorf(exception.KindScheduler, moduleName, "cannot read job script %s", p, err)
		}
		return string(data), nil
	}
	return "", scheduler.ErrNoScript
}

var _ scheduler.Facade = (*Client)(nil)
