package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"reflect"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Config is the engine-level YAML configuration: pool capacity, retry
// policy, work root, git timeout and scheduler cadence, plus the default
// applied to a pair that omits sync_branches (sync_tags has no default).
// Repo pairs
// themselves are the store's responsibility, not this file's.
type Config struct {
	WorkRoot              string        `yaml:"work_root"`
	MaxConcurrentSyncs    int           `yaml:"max_concurrent_syncs"`
	RetryOnFailure        bool          `yaml:"retry_on_failure"`
	RetryCount            int           `yaml:"retry_count"`
	SchedulerTickInterval time.Duration `yaml:"scheduler_tick_interval"`
	GitTimeout            time.Duration `yaml:"git_timeout"`
	DefaultSyncBranches   []string      `yaml:"default_sync_branches"`
}

const (
	defaultWorkRoot              = "git-mirror-engine"
	defaultMaxConcurrentSyncs    = 3
	defaultRetryCount            = 3
	defaultSchedulerTickInterval = 30 * time.Second
	defaultGitTimeout            = 5 * time.Minute
)

var allowedConfigKeys = getAllowedKeys(Config{})

// ApplyDefaults fills in zero-valued fields with the reference defaults.
// An unset work_root falls back to the WORK_DIR environment variable before
// the built-in default, so container deployments can relocate the mirror
// store without a config file.
func (c *Config) ApplyDefaults() {
	if c.WorkRoot == "" {
		c.WorkRoot = os.Getenv("WORK_DIR")
	}
	if c.WorkRoot == "" {
		c.WorkRoot = path.Join(os.TempDir(), defaultWorkRoot)
	}
	if c.MaxConcurrentSyncs == 0 {
		c.MaxConcurrentSyncs = defaultMaxConcurrentSyncs
	}
	if c.RetryCount == 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.SchedulerTickInterval == 0 {
		c.SchedulerTickInterval = defaultSchedulerTickInterval
	}
	if c.GitTimeout == 0 {
		c.GitTimeout = defaultGitTimeout
	}
	if len(c.DefaultSyncBranches) == 0 {
		c.DefaultSyncBranches = []string{"*"}
	}
}

// LoadConfigFile reads, validates and decodes the engine config at path.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	if err := validateConfigYAML(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// validateConfigYAML rejects any key not present in Config's yaml tags: an
// unexpected key almost always means a typo in production, and failing
// loudly beats silently ignoring it.
func validateConfigYAML(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	if key := findUnexpectedKey(raw, allowedConfigKeys); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}
	return nil
}

// getAllowedKeys retrieves the list of yaml tags declared on a struct.
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]interface{}, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}
	return ""
}

var (
	configReloadSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configReloadSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// registerConfigMetrics registers the config-reload gauges against registerer.
// Safe to call with a nil registerer (no-op) and safe to call more than once
// across engines sharing the package-level gauges (AlreadyRegisteredError is
// swallowed).
func registerConfigMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		return
	}
	for _, c := range []prometheus.Collector{configReloadSuccess, configReloadSuccessTime} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// WatchConfig polls path every interval and calls onChange whenever the
// file's mtime advances. onChange reports whether the reload was applied
// successfully.
func WatchConfig(ctx context.Context, path string, interval time.Duration, log *slog.Logger, onChange func(*Config) bool) {
	if log == nil {
		log = slog.Default()
	}
	var lastModTime time.Time

	for {
		var success bool
		lastModTime, success = pollConfigFile(path, lastModTime, log, onChange)
		if success {
			configReloadSuccess.Set(1)
			configReloadSuccessTime.SetToCurrentTime()
		} else {
			configReloadSuccess.Set(0)
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func pollConfigFile(path string, lastModTime time.Time, log *slog.Logger, onChange func(*Config) bool) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		log.Error("error checking config file", "error", err)
		return lastModTime, false
	}

	modTime := info.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	log.Info("reloading config file")
	newConfig, err := LoadConfigFile(path)
	if err != nil {
		log.Error("failed to reload config", "error", err)
		// advance modTime anyway so a fixed file is picked up on the next poll
		return modTime, false
	}
	return modTime, onChange(newConfig)
}
