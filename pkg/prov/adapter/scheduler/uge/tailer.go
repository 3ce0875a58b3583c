package uge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/broker"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const reverseBlock = 64 * 1024

// AcctTailer answers accounting RPC requests on the scheduler host by scanning
// the accounting file from its end.
type AcctTailer struct {
	path        string
	maxReadLine int
}

// NewAcctTailer reads at most maxReadLine lines from the end of path per request.
func NewAcctTailer(path string, maxReadLine int) *AcctTailer {
	return &AcctTailer{path: path, maxReadLine: maxReadLine}
}

// Handle is a broker.Handler for AcctAction.
func (t *AcctTailer) Handle(ctx context.Context, req broker.Request) (string, error) {
	if req.Action != AcctAction {
		return "", exception.NewProvErrorf(exception.KindRPC, moduleName, "unknown action %q", req.Action)
	}
	var ids []string
	if err := json.Unmarshal(req.Data, &ids); err != nil {
		return "", exception.NewProvError(exception.KindRPC, moduleName, "request data is not a list of job ids", err)
	}
	lines, err := t.Lookup(ctx, ids)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return broker.NoneReply, nil
	}
	return strings.Join(lines, RecordSeparator), nil
}

// Lookup returns the newest accounting line for each id ("job" or "job.task"),
// in request order. An id without a task matches any task of the job.
func (t *AcctTailer) Lookup(ctx context.Context, ids []string) ([]string, error) {
	type want struct{ job, task string }
	wants := make([]want, len(ids))
	for i, id := range ids {
		job, task, _ := strings.Cut(id, ".")
		wants[i] = want{job, task}
	}
	found := make([]string, len(ids))
	remaining := len(ids)

	f, err := os.Open(t.path)
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindScheduler, moduleName, "cannot open accounting file %s", t.path, err)
	}
	defer f.Close()

	err = reverseLines(f, t.maxReadLine, func(line string) bool {
		if ctx.Err() != nil {
			return false
		}
		job, task, ok := AccountingKey(line)
		if !ok {
			return true
		}
		for i, w := range wants {
			if found[i] == "" && w.job == job && (w.task == "" || w.task == task) {
				found[i] = line
				remaining--
			}
		}
		return remaining > 0
	})
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindScheduler, moduleName, "cannot read accounting file %s", t.path, err)
	}

	var out []string
	for i, line := range found {
		if line == "" {
			logger.Debugf("No accounting record for %s within %d lines.", ids[i], t.maxReadLine)
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// reverseLines calls fn for each non-empty line of f from last to first, at most
// limit lines (limit <= 0 means all), until fn returns false.
func reverseLines(f *os.File, limit int, fn func(string) bool) error {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	var tail []byte
	seen := 0
	buf := make([]byte, reverseBlock)
	for end > 0 {
		n := int64(reverseBlock)
		if end < n {
			n = end
		}
		end -= n
		if _, err := f.ReadAt(buf[:n], end); err != nil && err != io.EOF {
			return err
		}
		chunk := append(append([]byte(nil), buf[:n]...), tail...)
		for {
			i := bytes.LastIndexByte(chunk, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(chunk[i+1:]), "\r")
			chunk = chunk[:i]
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			seen++
			if !fn(line) || (limit > 0 && seen >= limit) {
				return nil
			}
		}
		tail = chunk
	}
	if line := strings.TrimRight(string(tail), "\r"); line != "" && !strings.HasPrefix(line, "#") {
		fn(line)
	}
	return nil
}
