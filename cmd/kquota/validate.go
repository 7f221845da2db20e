package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/storage/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the kquota configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if cfg.Storage.Type == "sqlite" {
		if err := sqlite.CheckFile(cfg.Storage.Path); err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "⚠️  Database schema: %v\n", err)
		} else {
			_, _ = fmt.Fprintf(os.Stdout, "✅ Database schema is current: %s\n", cfg.Storage.Path)
		}
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns every key that has a default, plus the secrets that
// deliberately have none.
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := map[string]bool{
		"storage.redis.password": true,
		"oracle.llm.api_key":     true,
	}
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redact(cfg.Storage.Redis.Password), redact(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[quota]")
	dumpField("  tick_interval", cfg.Quota.TickInterval, defaultCfg.Quota.TickInterval, yellow, green)
	dumpField("  max_pending_per_child", cfg.Quota.MaxPendingPerChild, defaultCfg.Quota.MaxPendingPerChild, yellow, green)
	dumpField("  pending_ttl", cfg.Quota.PendingTTL, defaultCfg.Quota.PendingTTL, yellow, green)
	dumpField("  sweep_interval", cfg.Quota.SweepInterval, defaultCfg.Quota.SweepInterval, yellow, green)
	dumpField("  decision_cache_size", cfg.Quota.DecisionCacheSize, defaultCfg.Quota.DecisionCacheSize, yellow, green)

	_, _ = cyan.Println("\n[oracle]")
	dumpField("  source", cfg.Oracle.Source, defaultCfg.Oracle.Source, yellow, green)
	dumpField("  timeout", cfg.Oracle.Timeout, defaultCfg.Oracle.Timeout, yellow, green)
	dumpField("  chain", cfg.Oracle.Chain, defaultCfg.Oracle.Chain, yellow, green)
	dumpField("  parent_wait", cfg.Oracle.ParentWait, defaultCfg.Oracle.ParentWait, yellow, green)
	dumpField("  policy_dir", cfg.Oracle.PolicyDir, defaultCfg.Oracle.PolicyDir, yellow, green)
	dumpField("  max_daily_bonus", cfg.Oracle.MaxDailyBonus, defaultCfg.Oracle.MaxDailyBonus, yellow, green)
	_, _ = cyan.Println("  [oracle.llm]")
	dumpField("    endpoint", cfg.Oracle.LLM.Endpoint, defaultCfg.Oracle.LLM.Endpoint, yellow, green)
	dumpField("    model", cfg.Oracle.LLM.Model, defaultCfg.Oracle.LLM.Model, yellow, green)
	dumpField("    api_key", redact(cfg.Oracle.LLM.APIKey), redact(defaultCfg.Oracle.LLM.APIKey), yellow, green)
	dumpField("    max_retries", cfg.Oracle.LLM.MaxRetries, defaultCfg.Oracle.LLM.MaxRetries, yellow, green)
	dumpField("    temperature", cfg.Oracle.LLM.Temperature, defaultCfg.Oracle.LLM.Temperature, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redact hides secrets if set
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
