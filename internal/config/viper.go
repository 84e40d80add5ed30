package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HA_NODE_ID or
// HA_KAFKA_BROKERS.
const EnvPrefix = "HA"

var _ Loader = (*ViperLoader)(nil)

// ViperLoader layers defaults, an optional YAML file and HA_ prefixed
// environment variables, in increasing order of precedence.
type ViperLoader struct {
	path string
}

// NewViperLoader creates a loader. An empty path skips the config file.
func NewViperLoader(path string) *ViperLoader {
	return &ViperLoader{path: path}
}

// Load builds and validates the configuration.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve overrides for
// keys absent from the config file.
func setDefaults(v *viper.Viper, d Config) {
	// Node
	v.SetDefault("node.id", d.Node.ID)
	v.SetDefault("node.role", string(d.Node.Role))
	v.SetDefault("node.log_level", d.Node.LogLevel)

	// Transport
	v.SetDefault("grpc.listen_addr", d.GRPC.ListenAddr)
	v.SetDefault("grpc.call_timeout", d.GRPC.CallTimeout)
	v.SetDefault("grpc.peers", []string{})
	v.SetDefault("http.listen_addr", d.HTTP.ListenAddr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	// Storage
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.max_conns", d.Postgres.MaxConns)
	v.SetDefault("postgres.max_entities", d.Postgres.MaxEntities)
	v.SetDefault("postgres.migrate", d.Postgres.Migrate)
	v.SetDefault("postgres.migrations_url", d.Postgres.MigrationsURL)

	// Events
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.lifecycle_topic", d.Kafka.LifecycleTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.version", d.Kafka.Version)
	v.SetDefault("kafka.publish_attempts", d.Kafka.PublishAttempts)
	v.SetDefault("kafka.commit_interval", d.Kafka.CommitInterval)

	// Analysis
	v.SetDefault("analysis.retry_limit", d.Analysis.RetryLimit)
	v.SetDefault("analysis.max_running_entities", d.Analysis.MaxRunningEntities)
	v.SetDefault("analysis.finalize_policy", d.Analysis.FinalizePolicy)
	v.SetDefault("analysis.retryable_patterns", []string{})
	v.SetDefault("analysis.dispatch_rps", d.Analysis.DispatchRPS)
	v.SetDefault("analysis.dispatch_burst", d.Analysis.DispatchBurst)
	v.SetDefault("analysis.workers", []string{})
	v.SetDefault("worker.max_concurrent_tasks", d.Worker.MaxConcurrentTasks)
	v.SetDefault("worker.report_attempts", d.Worker.ReportAttempts)
	v.SetDefault("worker.report_backoff", d.Worker.ReportBackoff)
	v.SetDefault("worker.simulated_run_duration", d.Worker.SimulatedRunDuration)
	v.SetDefault("reconciler.interval", d.Reconciler.Interval)
	v.SetDefault("reconciler.threshold", d.Reconciler.Threshold)

	// Cluster
	v.SetDefault("cluster.leader_election", d.Cluster.LeaderElection)
	v.SetDefault("cluster.namespace", d.Cluster.Namespace)
	v.SetDefault("cluster.leader_lock_id", d.Cluster.LeaderLockID)
	v.SetDefault("cluster.kubeconfig", d.Cluster.KubeConfig)
	v.SetDefault("cluster.lease_duration", d.Cluster.LeaseDuration)
	v.SetDefault("cluster.renew_deadline", d.Cluster.RenewDeadline)
	v.SetDefault("cluster.retry_period", d.Cluster.RetryPeriod)

	// Telemetry
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.exporter_endpoint", d.Telemetry.ExporterEndpoint)
	v.SetDefault("telemetry.sampling_ratio", d.Telemetry.SamplingRatio)
	v.SetDefault("telemetry.excluded_routes", d.Telemetry.ExcludedRoutes)
}
