package config

import (
	"os"
	"strconv"
	"time"
)

// Timeouts holds all configurable timeout values.
// These values can be customized via environment variables.
type Timeouts struct {
	Step              time.Duration // Timeout for a single bootstrap step on one node
	Init              time.Duration // Timeout for kubeadm init on the control plane
	Join              time.Duration // Timeout for kubeadm join on a worker
	Verify            time.Duration // Timeout for waiting for a node to report Ready
	Reconcile         time.Duration // Polling interval for the reconcile loop
	Grace             time.Duration // How long a node may be NotReady before remediation
	RetryMaxAttempts  int           // Maximum number of retry attempts for transient failures
	RetryInitialDelay time.Duration // Initial delay between retries
}

// LoadTimeouts loads timeout configuration from environment variables.
// If an environment variable is not set or invalid, a default value is used.
//
// Environment Variables:
//   - MESHADM_TIMEOUT_STEP (default: 5m)
//   - MESHADM_TIMEOUT_INIT (default: 10m)
//   - MESHADM_TIMEOUT_JOIN (default: 5m)
//   - MESHADM_TIMEOUT_VERIFY (default: 5m)
//   - MESHADM_RECONCILE_INTERVAL (default: 30s)
//   - MESHADM_NOTREADY_GRACE (default: 2m)
//   - MESHADM_RETRY_MAX_ATTEMPTS (default: 5)
//   - MESHADM_RETRY_INITIAL_DELAY (default: 2s)
func LoadTimeouts() *Timeouts {
	return &Timeouts{
		Step:              parseDuration("MESHADM_TIMEOUT_STEP", 5*time.Minute),
		Init:              parseDuration("MESHADM_TIMEOUT_INIT", 10*time.Minute),
		Join:              parseDuration("MESHADM_TIMEOUT_JOIN", 5*time.Minute),
		Verify:            parseDuration("MESHADM_TIMEOUT_VERIFY", 5*time.Minute),
		Reconcile:         parseDuration("MESHADM_RECONCILE_INTERVAL", 30*time.Second),
		Grace:             parseDuration("MESHADM_NOTREADY_GRACE", 2*time.Minute),
		RetryMaxAttempts:  parseInt("MESHADM_RETRY_MAX_ATTEMPTS", 5),
		RetryInitialDelay: parseDuration("MESHADM_RETRY_INITIAL_DELAY", 2*time.Second),
	}
}

// parseDuration parses a duration from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return d
}

// parseInt parses an integer from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return i
}
