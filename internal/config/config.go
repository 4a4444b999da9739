// Package config loads the operator's runtime configuration from environment
// variables, matching the NIO_* surface of the system it rewrites.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every environment-tunable knob the operator reads at startup.
// Nothing here is hot-reloaded; it is loaded once in cmd/manager and threaded
// through as an explicit value rather than read from package globals.
type Config struct {
	BaseDir            string
	KnownHostsPath     string
	SSHKeyDir          string
	RemoteScannerPath  string
	DiscoveryInterval  time.Duration
	HardwareScanInterval time.Duration
	ReconcileInterval  time.Duration
	GCInterval         time.Duration
	GCMaxAge           time.Duration
	ApplyTimeout       time.Duration
	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	MetricsPort        int
	HealthPort         int
}

// Load reads Config from the environment, falling back to defaults matching
// the original NIO_* variable set.
func Load() (Config, error) {
	var errs []error
	c := Config{
		BaseDir:           getEnvStr("NIO_BASE_DIR", "/tmp/nixos-config"),
		KnownHostsPath:    getEnvStr("NIO_KNOWN_HOSTS_PATH", "/tmp/nio-ssh-known-hosts/known_hosts"),
		SSHKeyDir:         getEnvStr("NIO_SSH_KEY_DIR", "/dev/shm/nio-nix-keys"),
		RemoteScannerPath: getEnvStr("NIO_REMOTE_SCANNER_PATH", "/tmp/nio-hw-scan.sh"),
	}
	c.DiscoveryInterval = getEnvSeconds("NIO_DISCOVERY_INTERVAL_SECONDS", 60, &errs)
	c.HardwareScanInterval = getEnvSeconds("NIO_HARDWARE_SCAN_INTERVAL_SECONDS", 300, &errs)
	c.ReconcileInterval = getEnvSeconds("NIO_RECONCILE_INTERVAL_SECONDS", 120, &errs)
	c.GCInterval = getEnvSeconds("NIO_GC_INTERVAL_SECONDS", 3600, &errs)
	c.GCMaxAge = time.Duration(getEnvInt("NIO_GC_MAX_AGE_HOURS", 24, &errs)) * time.Hour
	c.ApplyTimeout = getEnvSeconds("NIO_APPLY_TIMEOUT_SECONDS", 3600, &errs)
	c.RetryMaxAttempts = getEnvInt("NIO_RETRY_MAX_ATTEMPTS", 5, &errs)
	c.RetryInitialDelay = getEnvSeconds("NIO_RETRY_INITIAL_DELAY_SECONDS", 2, &errs)
	c.RetryMaxDelay = getEnvSeconds("NIO_RETRY_MAX_DELAY_SECONDS", 30, &errs)
	c.MetricsPort = getEnvInt("NIO_METRICS_PORT", 8000, &errs)
	c.HealthPort = getEnvInt("NIO_HEALTH_PORT", 8080, &errs)

	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	return c, nil
}

// Summary renders the loaded configuration for a single startup log line.
func (c Config) Summary() string {
	return fmt.Sprintf(
		"base_dir=%s known_hosts=%s ssh_key_dir=%s scanner=%s discovery=%s hw_scan=%s reconcile=%s gc=%s gc_max_age=%s apply_timeout=%s retry_attempts=%d retry_initial=%s retry_max=%s metrics_port=%d health_port=%d",
		c.BaseDir, c.KnownHostsPath, c.SSHKeyDir, c.RemoteScannerPath,
		c.DiscoveryInterval, c.HardwareScanInterval, c.ReconcileInterval,
		c.GCInterval, c.GCMaxAge, c.ApplyTimeout,
		c.RetryMaxAttempts, c.RetryInitialDelay, c.RetryMaxDelay,
		c.MetricsPort, c.HealthPort,
	)
}

func getEnvStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("environment variable %s=%q is not a valid integer", key, v))
		return def
	}
	return n
}

func getEnvSeconds(key string, defSeconds int, errs *[]error) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds, errs)) * time.Second
}
