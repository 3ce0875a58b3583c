package config

// Package config provides the typed configuration of the provenance server and its
// helper processes, loaded from an INI file with environment overrides.

import (
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"time"
)

// LustreConfig describes the filesystem side: servers, targets and change-log users.
type LustreConfig struct {
	MDSHosts       []string `ini:"mds_hosts"`       // MDSHosts are agent hostnames whose dumps are MDS job_stats.
	OSSHosts       []string `ini:"oss_hosts"`       // OSSHosts are agent hostnames whose dumps are OSS job_stats.
	Interval       int      `ini:"interval"`        // Interval is the agent sampling period in seconds.
	MaxAge         int      `ini:"max_age"`         // MaxAge is the job_stats cleanup age used when a payload omits maxAge.
	MDTTargets     []string `ini:"mdt_targets"`     // MDTTargets are the MDTs whose change logs are collected.
	ChlogUsers     []string `ini:"chlog_users"`     // ChlogUsers are the registered change-log users, index-aligned with MDTTargets.
	ChlogsInterval int      `ini:"chlogs_interval"` // ChlogsInterval is the change-log pull period in seconds.
	ChlogsProcnum  int      `ini:"chlogs_procnum"`  // ChlogsProcnum is the parse pool size; 0 means the number of CPUs.
	JobidVars      []string `ini:"jobid_vars"`      // JobidVars are the job tag prefixes that mark a scheduler job.
	MDTMountJSON   string   `ini:"mdt_mount_json"`  // MDTMountJSON is a JSON (or YAML) file mapping MDT target to candidate mount points.
	FilterProcs    bool     `ini:"filter_procs"`    // FilterProcs discards change-log records of process-only tags.
	Timezone       string   `ini:"timezone"`        // Timezone interprets change-log wall-clock times; empty means local.

	// MDTMounts is loaded from MDTMountJSON.
	MDTMounts map[string][]string `ini:"-"`
}

// RabbitMQConfig holds the broker connection settings.
type RabbitMQConfig struct {
	Server   string `ini:"server"`
	Port     int    `ini:"port"`
	Vhost    string `ini:"vhost"`
	Username string `ini:"username"`
	Password string `ini:"password"`
}

// URL renders the AMQP connection URL.
func (c RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Server, c.Port),
		Path:   "/" + c.Vhost,
	}
	if c.Vhost == "/" || c.Vhost == "" {
		u.Path = "/"
	}
	return u.String()
}

// IOListenerConfig names the ingest exchange and queue.
type IOListenerConfig struct {
	Exchange string `ini:"exchange"`
	Queue    string `ini:"queue"`
}

// AggregatorConfig controls the flush window.
type AggregatorConfig struct {
	Interval         int    `ini:"interval"`           // Interval is the flush interval in seconds.
	UndefLimit       int    `ini:"undef_limit"`        // UndefLimit is the number of UNDEF windows before a job is promoted to FINISHED.
	QueueSize        int    `ini:"queue_size"`         // QueueSize bounds every in-process stream queue.
	FinishedJobsFile string `ini:"finished_jobs_file"` // FinishedJobsFile is the finished-job memo path.
	EpiloguePattern  string `ini:"epilogue_pattern"`   // EpiloguePattern matches marker filenames whose file ops are not persisted.
}

// FlushInterval returns Interval as a duration.
func (c AggregatorConfig) FlushInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// UGEConfig describes the Grid Engine clusters. Clusters, Addrs, Ports and SpoolDirs are index-aligned.
type UGEConfig struct {
	Clusters        []string `ini:"clusters"`
	Addrs           []string `ini:"addrs"`
	Ports           []int    `ini:"ports"`
	SpoolDirs       []string `ini:"spool_dirs"`
	AcctRPCInterval int      `ini:"acct_rpc_interval"` // AcctRPCInterval is the accounting fetch period in seconds.
	MaxReadLine     int      `ini:"max_read_line"`     // MaxReadLine bounds the backward scan of the accounting file.
	AcctFile        string   `ini:"acct_file"`         // AcctFile is the accounting file read by the tailer.
}

// UGECluster is one resolved cluster entry.
type UGECluster struct {
	Name     string
	Addr     string
	Port     int
	SpoolDir string
}

// Cluster looks up a cluster by name.
func (c UGEConfig) Cluster(name string) (UGECluster, bool) {
	for i, n := range c.Clusters {
		if n != name {
			continue
		}
		uc := UGECluster{Name: n}
		if i < len(c.Addrs) {
			uc.Addr = c.Addrs[i]
		}
		if i < len(c.Ports) {
			uc.Port = c.Ports[i]
		}
		if i < len(c.SpoolDirs) {
			uc.SpoolDir = c.SpoolDirs[i]
		}
		return uc, true
	}
	return UGECluster{}, false
}

// MongoDBConfig holds the document store settings.
type MongoDBConfig struct {
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	AuthMode string `ini:"auth_mode"` // AuthMode is a MongoDB auth mechanism (e.g. SCRAM-SHA-256) or "none".
	Username string `ini:"username"`
	Password string `ini:"password"`
	Database string `ini:"database"`
}

// URI renders the connection string without credentials.
func (c MongoDBConfig) URI() string {
	return "mongodb://" + c.Host + ":" + strconv.Itoa(c.Port)
}

// InfluxDBConfig holds the time-series store settings.
type InfluxDBConfig struct {
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	Username string `ini:"username"`
	Password string `ini:"password"`
	Database string `ini:"database"`
	Timezone string `ini:"timezone"`
}

// Addr renders the HTTP address of the InfluxDB API.
func (c InfluxDBConfig) Addr() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `ini:"level"`     // Level is DEBUG, INFO, WARN, ERROR or FATAL.
	Dir      string `ini:"dir"`       // Dir holds the monthly log files; empty logs to stderr only.
	Prefix   string `ini:"prefix"`    // Prefix names the monthly files <prefix>-YYYY-MM.log.
	MaxFiles int    `ini:"max_files"` // MaxFiles is the number of monthly files kept.
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `ini:"listen_addr"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `ini:"otlp_endpoint"`
	ServiceName  string `ini:"service_name"`
}

// LedgerConfig selects the window ledger backend.
type LedgerConfig struct {
	Type         string `ini:"type"` // Type is memory, sqlite, postgres or mysql.
	Database     string `ini:"database"`
	Host         string `ini:"host"`
	Port         int    `ini:"port"`
	User         string `ini:"user"`
	Password     string `ini:"password"`
	Sslmode      string `ini:"sslmode"`
	MaxOpenConns int    `ini:"max_open_conns"`
	MaxIdleConns int    `ini:"max_idle_conns"`
}

// ArchiveConfig controls the parquet window archive.
type ArchiveConfig struct {
	Enabled     bool   `ini:"enabled"`
	BaseDir     string `ini:"base_dir"`
	Compression string `ini:"compression"` // Compression is SNAPPY, GZIP or UNCOMPRESSED.
}

// SupervisorConfig controls the start/stop wrapper.
type SupervisorConfig struct {
	PidFile     string `ini:"pid_file"`
	StopTimeout int    `ini:"stop_timeout"` // StopTimeout is the SIGTERM grace period in seconds.
}

// Config is the root configuration.
type Config struct {
	Lustre     LustreConfig     `ini:"lustre"`
	RabbitMQ   RabbitMQConfig   `ini:"rabbitmq"`
	IOListener IOListenerConfig `ini:"io_listener"`
	Aggregator AggregatorConfig `ini:"aggregator"`
	UGE        UGEConfig        `ini:"uge"`
	MongoDB    MongoDBConfig    `ini:"mongodb"`
	InfluxDB   InfluxDBConfig   `ini:"influxdb"`
	Logging    LoggingConfig    `ini:"logging"`
	Metrics    MetricsConfig    `ini:"metrics"`
	Telemetry  TelemetryConfig  `ini:"telemetry"`
	Ledger     LedgerConfig     `ini:"ledger"`
	Archive    ArchiveConfig    `ini:"archive"`
	Supervisor SupervisorConfig `ini:"supervisor"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Lustre: LustreConfig{
			Interval:       10,
			MaxAge:         600,
			ChlogsInterval: 10,
			ChlogsProcnum:  runtime.NumCPU(),
			FilterProcs:    true,
		},
		RabbitMQ: RabbitMQConfig{Port: 5672, Vhost: "/"},
		Aggregator: AggregatorConfig{
			Interval:         60,
			UndefLimit:       5,
			QueueSize:        4096,
			FinishedJobsFile: "/var/lib/ioprov/finished_jobs",
			EpiloguePattern:  `^\.job_finished\.\d+$`,
		},
		UGE:        UGEConfig{AcctRPCInterval: 60, MaxReadLine: 100000},
		MongoDB:    MongoDBConfig{Port: 27017, AuthMode: "none"},
		InfluxDB:   InfluxDBConfig{Port: 8086, Timezone: "UTC"},
		Logging:    LoggingConfig{Level: "INFO", Prefix: "provd", MaxFiles: 12},
		Telemetry:  TelemetryConfig{ServiceName: "ioprov"},
		Ledger:     LedgerConfig{Type: "memory", MaxOpenConns: 4, MaxIdleConns: 2},
		Archive:    ArchiveConfig{Compression: "SNAPPY"},
		Supervisor: SupervisorConfig{PidFile: "/var/run/ioprov/provd.pid", StopTimeout: 30},
	}
}

// ChlogUser returns the change-log user registered for mdt.
func (c LustreConfig) ChlogUser(mdt string) (string, bool) {
	for i, t := range c.MDTTargets {
		if t == mdt && i < len(c.ChlogUsers) {
			return c.ChlogUsers[i], true
		}
	}
	return "", false
}

// Location resolves Timezone, falling back to the local zone.
func (c LustreConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
