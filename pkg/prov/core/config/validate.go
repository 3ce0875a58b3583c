package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
)

// Role selects which keys a process needs.
type Role string

const (
	// RoleServer is the aggregation server (provd run).
	RoleServer Role = "server"
	// RoleTailer is the accounting RPC server on a scheduler host.
	RoleTailer Role = "tailer"
	// RoleSupervisor only needs the pid file.
	RoleSupervisor Role = "supervisor"
)

// requiredKeys lists "<section>.<key>" per role.
var requiredKeys = map[Role][]string{
	RoleServer: {
		"lustre.mds_hosts", "lustre.oss_hosts", "lustre.mdt_targets", "lustre.chlog_users",
		"rabbitmq.server", "rabbitmq.port", "rabbitmq.username", "rabbitmq.password",
		"io_listener.exchange", "io_listener.queue",
		"aggregator.interval",
		"uge.clusters", "uge.addrs", "uge.ports", "uge.acct_rpc_interval",
		"mongodb.host", "mongodb.port", "mongodb.database",
		"influxdb.host", "influxdb.port", "influxdb.database",
	},
	RoleTailer: {
		"rabbitmq.server", "rabbitmq.port", "rabbitmq.username", "rabbitmq.password",
		"uge.clusters", "uge.max_read_line", "uge.acct_file",
	},
	RoleSupervisor: {
		"supervisor.pid_file",
	},
}

// RequiredKeys returns the keys Validate checks for role.
func RequiredKeys(role Role) []string {
	return append([]string(nil), requiredKeys[role]...)
}

// Validate enumerates every missing required key and every inconsistent list
// for the role and returns them as one CONFIG error.
func (c *Config) Validate(role Role) error {
	var result *multierror.Error
	secs := sections(c)
	for _, k := range requiredKeys[role] {
		section, key, _ := strings.Cut(k, ".")
		if isZeroKey(secs[section], key) {
			result = multierror.Append(result, fmt.Errorf("missing required key [%s] %s", section, key))
		}
	}

	if role == RoleServer {
		if len(c.Lustre.MDTTargets) != len(c.Lustre.ChlogUsers) {
			result = multierror.Append(result, fmt.Errorf("[lustre] mdt_targets and chlog_users differ in length (%d != %d)",
				len(c.Lustre.MDTTargets), len(c.Lustre.ChlogUsers)))
		}
		if len(c.UGE.Clusters) != len(c.UGE.Addrs) || len(c.UGE.Clusters) != len(c.UGE.Ports) {
			result = multierror.Append(result, fmt.Errorf("[uge] clusters, addrs and ports differ in length"))
		}
		if len(c.UGE.SpoolDirs) != 0 && len(c.UGE.SpoolDirs) != len(c.UGE.Clusters) {
			result = multierror.Append(result, fmt.Errorf("[uge] spool_dirs must be empty or match clusters"))
		}
		if c.Aggregator.UndefLimit <= 0 {
			result = multierror.Append(result, fmt.Errorf("[aggregator] undef_limit must be positive"))
		}
		if _, err := regexp.Compile(c.Aggregator.EpiloguePattern); err != nil {
			result = multierror.Append(result, fmt.Errorf("[aggregator] epilogue_pattern: %w", err))
		}
		switch strings.ToLower(c.Ledger.Type) {
		case "memory", "sqlite", "postgres", "mysql":
		default:
			result = multierror.Append(result, fmt.Errorf("[ledger] type %q is not one of memory, sqlite, postgres, mysql", c.Ledger.Type))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return exception.NewProvError(exception.KindConfig, moduleName, "invalid configuration", err)
	}
	return nil
}

func isZeroKey(section reflect.Value, key string) bool {
	if !section.IsValid() {
		return true
	}
	t := section.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("ini") == key {
			return section.Field(i).IsZero() || (section.Field(i).Kind() == reflect.Slice && section.Field(i).Len() == 0)
		}
	}
	return true
}
