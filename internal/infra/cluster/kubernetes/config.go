package kubernetes

import "time"

// K8sConfig holds the lease lock settings used for leader election.
type K8sConfig struct {
	Namespace    string `json:"namespace"`
	LeaderLockID string `json:"leaderLockId"`
	Identity     string `json:"identity"`
	KubeConfig   string `json:"kubeConfig,omitempty"`

	LeaseDuration time.Duration `json:"leaseDuration"`
	RenewDeadline time.Duration `json:"renewDeadline"`
	RetryPeriod   time.Duration `json:"retryPeriod"`
}

func (c *K8sConfig) withDefaults() K8sConfig {
	out := *c
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = 15 * time.Second
	}
	if out.RenewDeadline <= 0 {
		out.RenewDeadline = 10 * time.Second
	}
	if out.RetryPeriod <= 0 {
		out.RetryPeriod = 2 * time.Second
	}
	return out
}
