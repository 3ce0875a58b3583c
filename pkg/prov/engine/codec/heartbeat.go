package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerStat is a parsed heartbeat tuple.
type ServerStat struct {
	Host      string
	Timestamp int64
	Load1     float64
	Load5     float64
	Load15    float64
	TotalMem  float64
	UsedMem   float64
}

// ParseHeartbeat parses "host;ts;l1,l5,l15;total,used".
func ParseHeartbeat(s string) (ServerStat, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 4 {
		return ServerStat{}, fmt.Errorf("heartbeat %q: want 4 fields, got %d", s, len(parts))
	}
	st := ServerStat{Host: parts[0]}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ServerStat{}, fmt.Errorf("heartbeat %q: timestamp: %w", s, err)
	}
	st.Timestamp = ts

	load, err := floats(parts[2], 3)
	if err != nil {
		return ServerStat{}, fmt.Errorf("heartbeat %q: load: %w", s, err)
	}
	mem, err := floats(parts[3], 2)
	if err != nil {
		return ServerStat{}, fmt.Errorf("heartbeat %q: memory: %w", s, err)
	}
	st.Load1, st.Load5, st.Load15 = load[0], load[1], load[2]
	st.TotalMem, st.UsedMem = mem[0], mem[1]
	return st, nil
}

func floats(s string, n int) ([]float64, error) {
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
