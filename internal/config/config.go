// Package config defines the configuration of an analysis node and the
// loaders that produce it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/historical-armada/pkg/common/validate"
)

// Role names the parts of the analysis protocol a node serves.
type Role string

const (
	RoleAll         Role = "all"
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// LeaderElection modes.
const (
	LeaderElectionStandalone = "standalone"
	LeaderElectionKubernetes = "kubernetes"
)

// Config represents the top-level configuration of an analysis node.
type Config struct {
	Node       NodeConfig       `mapstructure:"node" yaml:"node"`
	GRPC       GRPCConfig       `mapstructure:"grpc" yaml:"grpc"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres" yaml:"postgres"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	Analysis   AnalysisConfig   `mapstructure:"analysis" yaml:"analysis"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler" yaml:"reconciler"`
	Cluster    ClusterConfig    `mapstructure:"cluster" yaml:"cluster"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID       string `mapstructure:"id" yaml:"id" validate:"required"`
	Role     Role   `mapstructure:"role" yaml:"role" validate:"oneof=all coordinator worker"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// GRPCConfig configures the node-to-node transport.
type GRPCConfig struct {
	ListenAddr  string        `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" validate:"gte=0"`
	// Peers lists "node-id=host:port" entries. Nodes without an entry are
	// dialed by their id.
	Peers []string `mapstructure:"peers" yaml:"peers"`
}

// HTTPConfig configures the health and metrics server.
type HTTPConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PostgresConfig configures the task store. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
	MaxEntities int    `mapstructure:"max_entities" yaml:"max_entities" validate:"gte=0"`
	Migrate     bool   `mapstructure:"migrate" yaml:"migrate"`
	// MigrationsURL is a golang-migrate source URL.
	MigrationsURL string `mapstructure:"migrations_url" yaml:"migrations_url" validate:"required_if=Migrate true"`
}

// KafkaConfig configures the lifecycle event bus. No brokers selects the
// in-memory bus.
type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers" yaml:"brokers"`
	LifecycleTopic  string        `mapstructure:"lifecycle_topic" yaml:"lifecycle_topic" validate:"required_with=Brokers"`
	GroupID         string        `mapstructure:"group_id" yaml:"group_id" validate:"required_with=Brokers"`
	Version         string        `mapstructure:"version" yaml:"version"`
	PublishAttempts uint64        `mapstructure:"publish_attempts" yaml:"publish_attempts"`
	CommitInterval  time.Duration `mapstructure:"commit_interval" yaml:"commit_interval"`
}

// AnalysisConfig configures the task coordinator.
type AnalysisConfig struct {
	RetryLimit         int      `mapstructure:"retry_limit" yaml:"retry_limit" validate:"gte=0"`
	MaxRunningEntities int      `mapstructure:"max_running_entities" yaml:"max_running_entities" validate:"gte=1"`
	FinalizePolicy     string   `mapstructure:"finalize_policy" yaml:"finalize_policy" validate:"omitempty,oneof=last_report no_success"`
	RetryablePatterns  []string `mapstructure:"retryable_patterns" yaml:"retryable_patterns"`
	DispatchRPS        float64  `mapstructure:"dispatch_rps" yaml:"dispatch_rps" validate:"gt=0"`
	DispatchBurst      int      `mapstructure:"dispatch_burst" yaml:"dispatch_burst" validate:"gte=1"`
	// Workers lists the node ids entity tasks are spread across.
	Workers []string `mapstructure:"workers" yaml:"workers"`
}

// WorkerConfig configures the entity worker runtime.
type WorkerConfig struct {
	MaxConcurrentTasks int64         `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks" validate:"gte=1"`
	ReportAttempts     uint64        `mapstructure:"report_attempts" yaml:"report_attempts" validate:"gte=1"`
	ReportBackoff      time.Duration `mapstructure:"report_backoff" yaml:"report_backoff"`
	// SimulatedRunDuration is how long the built-in runner occupies a task.
	SimulatedRunDuration time.Duration `mapstructure:"simulated_run_duration" yaml:"simulated_run_duration" validate:"gte=0"`
}

// ReconcilerConfig configures stale entity reconciliation.
type ReconcilerConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	Threshold time.Duration `mapstructure:"threshold" yaml:"threshold" validate:"gt=0"`
}

// ClusterConfig configures leader election.
type ClusterConfig struct {
	LeaderElection string        `mapstructure:"leader_election" yaml:"leader_election" validate:"oneof=standalone kubernetes"`
	Namespace      string        `mapstructure:"namespace" yaml:"namespace"`
	LeaderLockID   string        `mapstructure:"leader_lock_id" yaml:"leader_lock_id"`
	KubeConfig     string        `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`
	RenewDeadline  time.Duration `mapstructure:"renew_deadline" yaml:"renew_deadline"`
	RetryPeriod    time.Duration `mapstructure:"retry_period" yaml:"retry_period"`
}

// TelemetryConfig configures tracing and metrics export. An empty endpoint
// disables OTLP export; Prometheus metrics are always served.
type TelemetryConfig struct {
	ServiceName      string   `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	ExporterEndpoint string   `mapstructure:"exporter_endpoint" yaml:"exporter_endpoint"`
	SamplingRatio    float64  `mapstructure:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
	ExcludedRoutes   []string `mapstructure:"excluded_routes" yaml:"excluded_routes"`
}

// Default returns the configuration used for every key left unset.
func Default() Config {
	return Config{
		Node: NodeConfig{ID: "node-1", Role: RoleAll, LogLevel: "info"},
		GRPC: GRPCConfig{ListenAddr: ":9090", CallTimeout: 10 * time.Second},
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			MaxEntities:   10000,
			Migrate:       true,
			MigrationsURL: "file://db/migrations",
		},
		Kafka: KafkaConfig{
			LifecycleTopic:  "historical-analysis-lifecycle",
			GroupID:         "historical-analysis",
			Version:         "3.6.0",
			PublishAttempts: 3,
			CommitInterval:  time.Second,
		},
		Analysis: AnalysisConfig{
			RetryLimit:         3,
			MaxRunningEntities: 1,
			FinalizePolicy:     "last_report",
			DispatchRPS:        50,
			DispatchBurst:      10,
		},
		Worker: WorkerConfig{
			MaxConcurrentTasks:   10,
			ReportAttempts:       5,
			ReportBackoff:        200 * time.Millisecond,
			SimulatedRunDuration: 2 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Interval:  time.Minute,
			Threshold: 5 * time.Minute,
		},
		Cluster: ClusterConfig{
			LeaderElection: LeaderElectionStandalone,
			Namespace:      "default",
			LeaderLockID:   "historical-analysis-leader",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "historical-analysis",
			SamplingRatio:  0.1,
			ExcludedRoutes: []string{"/grpc.health.v1.Health/Check"},
		},
	}
}

var configValidator = validate.New("mapstructure")

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.GRPC.PeerAddresses(); err != nil {
		return err
	}
	if c.Cluster.LeaderElection == LeaderElectionKubernetes && c.Cluster.Namespace == "" {
		return fmt.Errorf("invalid configuration: cluster.namespace is required for kubernetes leader election")
	}
	return nil
}

// ServesCoordinator reports whether the node coordinates runs.
func (n NodeConfig) ServesCoordinator() bool { return n.Role == RoleAll || n.Role == RoleCoordinator }

// ServesWorker reports whether the node executes entity tasks.
func (n NodeConfig) ServesWorker() bool { return n.Role == RoleAll || n.Role == RoleWorker }

// PeerAddresses parses Peers into a node id to address map.
func (g GRPCConfig) PeerAddresses() (map[string]string, error) {
	peers := make(map[string]string, len(g.Peers))
	for _, p := range g.Peers {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid configuration: peer %q must be node-id=host:port", p)
		}
		peers[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}
	return peers, nil
}
