package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for tollgate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("tollgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TOLLGATE_SERVER_ADDR
	viper.SetEnvPrefix("TOLLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a tollgate config file with
// an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".tollgate"),
		"/etc/tollgate",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for tollgate.yaml or
// .yml. Returns the first match, or "" if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "tollgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable
// overrides. Arrays (accounts, keys, tiers, upstreams) are config-file only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")

	_ = viper.BindEnv("storage.driver")
	_ = viper.BindEnv("storage.path")

	_ = viper.BindEnv("ledger.fail_mode")
	_ = viper.BindEnv("ledger.reservation_ttl")
	_ = viper.BindEnv("ledger.reap_interval")

	_ = viper.BindEnv("rate_limits.agent_requests.rate")
	_ = viper.BindEnv("rate_limits.agent_requests.burst")
	_ = viper.BindEnv("rate_limits.agent_requests.period")
	_ = viper.BindEnv("rate_limits.tenant_cost.rate")
	_ = viper.BindEnv("rate_limits.tenant_cost.burst")
	_ = viper.BindEnv("rate_limits.tenant_cost.period")

	_ = viper.BindEnv("policy.default_decision")

	_ = viper.BindEnv("auth.staleness_window")

	_ = viper.BindEnv("signing.key_file")

	_ = viper.BindEnv("audit.output")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
