package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "codec"

// Payload is the agent message body.
type Payload struct {
	Server       string    `json:"server"`
	Timestamp    float64   `json:"timestamp"`
	MaxAge       FlexInt   `json:"maxAge"`
	FSTarget     string    `json:"fstarget"`
	Output       string    `json:"output"`
	ServerLoad   []float64 `json:"serverLoad,omitempty"`
	ServerMemory []float64 `json:"serverMemory,omitempty"`
}

// FlexInt decodes a JSON number or a numeric string.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("maxAge %q: %w", s, err)
	}
	*f = FlexInt(v)
	return nil
}

// ServerKind says which registry a host reports.
type ServerKind int

const (
	ServerUnknown ServerKind = iota
	ServerMDS
	ServerOSS
)

// Decoded is the typed content of one agent message.
type Decoded struct {
	Kind ServerKind
	MDS  []model.MDSRecord
	OSS  []model.OSSRecord
	// Heartbeat is "host;ts;l1,l5,l15;total,used" or empty.
	Heartbeat string
	// Rejected counts job groups dropped for malformed counters.
	Rejected int
	// Stale counts job groups older than the payload's maxAge.
	Stale int
}

// Router decodes agent messages and classifies them by originating host.
type Router struct {
	mds           map[string]struct{}
	oss           map[string]struct{}
	defaultMaxAge int64
}

// NewRouter builds a Router from the configured host lists.
func NewRouter(mdsHosts, ossHosts []string, defaultMaxAge int) *Router {
	r := &Router{
		mds:           make(map[string]struct{}, len(mdsHosts)),
		oss:           make(map[string]struct{}, len(ossHosts)),
		defaultMaxAge: int64(defaultMaxAge),
	}
	for _, h := range mdsHosts {
		r.mds[h] = struct{}{}
	}
	for _, h := range ossHosts {
		r.oss[h] = struct{}{}
	}
	return r
}

// Classify returns the registry kind of host.
func (r *Router) Classify(host string) ServerKind {
	if _, ok := r.mds[host]; ok {
		return ServerMDS
	}
	if _, ok := r.oss[host]; ok {
		return ServerOSS
	}
	return ServerUnknown
}

// Decode parses one message body. A malformed body or an unknown host is a CODEC
// error and yields no records. Malformed job groups are logged and dropped.
func (r *Router) Decode(body []byte) (Decoded, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Decoded{}, exception.NewProvError(exception.KindCodec, moduleName, "malformed agent payload", err)
	}
	kind := r.Classify(p.Server)
	if kind == ServerUnknown {
		return Decoded{}, exception.NewProvErrorf(exception.KindCodec, moduleName, "host %q is in neither mds_hosts nor oss_hosts", p.Server)
	}

	out := Decoded{Kind: kind, Heartbeat: heartbeat(p)}
	stats, errs := ParseJobStats(p.Output)
	for _, err := range errs {
		logger.Warnf("Dropping job_stats record from %s/%s: %v", p.Server, p.FSTarget, err)
	}
	out.Rejected = len(errs)

	maxAge := int64(p.MaxAge)
	if maxAge <= 0 {
		maxAge = r.defaultMaxAge
	}
	for _, s := range stats {
		if maxAge > 0 && s.SnapshotTime > 0 && float64(s.SnapshotTime) < p.Timestamp-float64(maxAge) {
			out.Stale++
			continue
		}
		id, procID := identityOf(s.JobTag)
		switch kind {
		case ServerMDS:
			rec := model.MDSRecord{
				Timestamp:    p.Timestamp,
				SnapshotTime: s.SnapshotTime,
				Host:         p.Server,
				Target:       p.FSTarget,
				Identity:     id,
				ProcID:       procID,
			}
			for name, v := range s.Scalars {
				if f := rec.Counters.Field(name); f != nil {
					*f = v
				}
			}
			out.MDS = append(out.MDS, rec)
		case ServerOSS:
			rec := model.OSSRecord{
				Timestamp:    p.Timestamp,
				SnapshotTime: s.SnapshotTime,
				Host:         p.Server,
				Target:       p.FSTarget,
				Identity:     id,
				ProcID:       procID,
			}
			for name, v := range s.Scalars {
				if f := rec.Counters.Scalar(name); f != nil {
					*f = v
				}
			}
			if c := s.ReadBytes; c != nil {
				rec.Counters.ReadOps, rec.Counters.ReadMin, rec.Counters.ReadMax, rec.Counters.ReadSum = c.Samples, c.Min, c.Max, c.Sum
			}
			if c := s.WriteBytes; c != nil {
				rec.Counters.WriteOps, rec.Counters.WriteMin, rec.Counters.WriteMax, rec.Counters.WriteSum = c.Samples, c.Min, c.Max, c.Sum
			}
			out.OSS = append(out.OSS, rec)
		}
	}
	return out, nil
}

func identityOf(tag string) (model.JobIdentity, string) {
	id, err := model.ParseIdentityToken(tag)
	if err != nil {
		return model.JobIdentity{}, tag
	}
	return id, ""
}

func heartbeat(p Payload) string {
	if len(p.ServerLoad) < 3 || len(p.ServerMemory) < 2 {
		return ""
	}
	return fmt.Sprintf("%s;%d;%g,%g,%g;%g,%g", p.Server, int64(p.Timestamp),
		p.ServerLoad[0], p.ServerLoad[1], p.ServerLoad[2], p.ServerMemory[0], p.ServerMemory[1])
}
