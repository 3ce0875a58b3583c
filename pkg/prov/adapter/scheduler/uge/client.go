// Package uge implements the scheduler facade for Univa/Altair Grid Engine:
// the REST job lookup, job-script discovery, and the accounting RPC pair used
// once a job has left the scheduler's live view.
package uge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
)

const moduleName = "uge"

// errorCodeUnknownJob is returned by the REST service for jobs it no longer knows.
const errorCodeUnknownJob = 299

type restJob struct {
	Name        string  `mapstructure:"name"`
	Queue       string  `mapstructure:"queue"`
	Slots       int     `mapstructure:"slots"`
	SubmitTime  float64 `mapstructure:"submitTime"`
	StartTime   float64 `mapstructure:"startTime"`
	EndTime     float64 `mapstructure:"endTime"`
	User        string  `mapstructure:"user"`
	State       string  `mapstructure:"state"`
	Project     string  `mapstructure:"project"`
	ParallelEnv string  `mapstructure:"parallelEnv"`
	WorkingDir  string  `mapstructure:"workingDir"`
	Command     string  `mapstructure:"command"`
	ExecHost    string  `mapstructure:"execHost"`
	ErrorCode   int     `mapstructure:"errorCode"`
	Resources   struct {
		Hard struct {
			HRT   string `mapstructure:"h_rt"`
			SRT   string `mapstructure:"s_rt"`
			HVmem string `mapstructure:"h_vmem"`
		} `mapstructure:"hard"`
	} `mapstructure:"resources"`
	Usage struct {
		CPU       float64 `mapstructure:"cpu"`
		IO        float64 `mapstructure:"io"`
		IOOps     int64   `mapstructure:"ioops"`
		IOW       float64 `mapstructure:"iow"`
		MaxVmem   float64 `mapstructure:"maxvmem"`
		Mem       float64 `mapstructure:"mem"`
		Wallclock float64 `mapstructure:"wallclock"`
	} `mapstructure:"usage"`
}

// StatusOf maps a Grid Engine state code to a JobStatus.
func StatusOf(state string) model.JobStatus {
	switch state {
	case "r":
		return model.StatusRunning
	case "qw":
		return model.StatusQueued
	case "d", "dr":
		return model.StatusDeleted
	case "E", "Eqw":
		return model.StatusError
	}
	return model.StatusUndef
}

// epochSeconds accepts seconds or milliseconds.
func epochSeconds(v float64) int64 {
	if v > 1e11 {
		return int64(v / 1000)
	}
	return int64(v)
}

// Client is the Grid Engine facade.
type Client struct {
	http *http.Client
	cfg  config.UGEConfig
}

// NewClient creates a facade with one shared HTTP client.
func NewClient(cfg config.UGEConfig) *Client {
	return &Client{http: &http.Client{Timeout: 10 * time.Second}, cfg: cfg}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// JobInfo queries GET /jobs/{job}.{task} on the identity's cluster.
func (c *Client) JobInfo(ctx context.Context, id model.JobIdentity) (model.JobInfo, error) {
	cl, ok := c.cfg.Cluster(id.Cluster)
	if !ok {
		return model.JobInfo{}, exception.NewProvErrorf(exception.KindScheduler, moduleName, "cluster %q is not configured", id.Cluster)
	}
	task := id.TaskID
	if task == "" {
		task = "1"
	}
	url := fmt.Sprintf("http://%s:%d/jobs/%s.%s", cl.Addr, cl.Port, id.JobID, task)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.JobInfo{}, exception.NewProvError(exception.KindScheduler, moduleName, "cannot build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.JobInfo{}, exception.NewProvErrorf(exception.KindScheduler, moduleName, "GET %s", url, err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return model.JobInfo{}, exception.NewProvErrorf(exception.KindScheduler, moduleName, "GET %s: undecodable body (HTTP %d)", url, resp.StatusCode, err)
	}
	var job restJob
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &job, WeaklyTypedInput: true})
	if err != nil {
		return model.JobInfo{}, exception.NewProvError(exception.KindScheduler, moduleName, "cannot build decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return model.JobInfo{}, exception.NewProvErrorf(exception.KindScheduler, moduleName, "GET %s: unexpected job document", url, err)
	}

	if job.ErrorCode == errorCodeUnknownJob {
		return model.JobInfo{Identity: id, Kind: model.KindUGE, Status: model.StatusUndef}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return model.JobInfo{}, exception.NewProvErrorf(exception.KindScheduler, moduleName, "GET %s: HTTP %d", url, resp.StatusCode)
	}
	return job.toJobInfo(id), nil
}

func (j restJob) toJobInfo(id model.JobIdentity) model.JobInfo {
	return model.JobInfo{
		Identity:   id,
		Kind:       model.KindUGE,
		Name:       j.Name,
		Queue:      j.Queue,
		NumCPU:     j.Slots,
		SubmitTime: epochSeconds(j.SubmitTime),
		StartTime:  epochSeconds(j.StartTime),
		EndTime:    epochSeconds(j.EndTime),
		Username:   j.User,
		Status:     StatusOf(j.State),
		UGE: &model.UGEExtension{
			HRT:         j.Resources.Hard.HRT,
			SRT:         j.Resources.Hard.SRT,
			HVmem:       j.Resources.Hard.HVmem,
			ParallelEnv: j.ParallelEnv,
			Project:     j.Project,
			Pwd:         j.WorkingDir,
			Command:     j.Command,
			ExecHost:    j.ExecHost,
			CPU:         j.Usage.CPU,
			IO:          j.Usage.IO,
			IOOps:       j.Usage.IOOps,
			IOW:         j.Usage.IOW,
			Mem:         j.Usage.Mem,
			MaxVmem:     j.Usage.MaxVmem,
			Wallclock:   j.Usage.Wallclock,
		},
	}
}
