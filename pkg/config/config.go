// Package config loads router configuration from the environment via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the router process.
type Config struct {
	// Worker discovery (spec.md §6)
	OllamaHosts    []string
	OllamaHost     string
	OllamaRequired bool

	// Model selection
	Models       []string
	DefaultModel string

	// HTTP surfaces
	RouterPort     int
	DashboardPort  int
	MetricsPort    int

	// Tuning knobs. Other constants (pre-warm horizon, move limit and
	// recipient utilization bound, capacity tier multipliers, classifier
	// rules and cache size) are fixed in code.
	TPSPerPerson          float64
	PowerOfTwoExponent    float64
	TargetLatencyMs       int
	UsePowerOfTwo         bool
	RebalanceInterval     time.Duration
	PreWarmThreshold      float64
	CancellationTimeoutMs int
	BenchmarkTimeout      time.Duration
	HealthCheckInterval   time.Duration
	HealthCheckTimeout    time.Duration
}

// Load reads configuration from the environment with sane defaults,
// matching the env-var contract of spec.md §6.
func Load() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("router_port", 8080)
	v.SetDefault("dashboard_port", 8081)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("tps_per_person", 100.0)
	v.SetDefault("power_of_two_exponent", 1.5)
	v.SetDefault("target_latency_ms", 3000)
	v.SetDefault("use_power_of_two", true)
	v.SetDefault("rebalance_interval_ms", 500)
	v.SetDefault("prewarm_threshold", 2.0)
	v.SetDefault("cancellation_timeout_ms", 15000)
	v.SetDefault("benchmark_timeout_ms", 5000)
	v.SetDefault("health_check_interval_s", 30)
	v.SetDefault("health_check_timeout_ms", 3000)

	cfg := &Config{
		OllamaHost:     v.GetString("OLLAMA_HOST"),
		OllamaRequired: parseBool(v.GetString("OLLAMA_REQUIRED")),
		DefaultModel:   v.GetString("LLM_MODEL"),

		RouterPort:    v.GetInt("router_port"),
		DashboardPort: v.GetInt("dashboard_port"),
		MetricsPort:   v.GetInt("metrics_port"),

		TPSPerPerson:       v.GetFloat64("tps_per_person"),
		PowerOfTwoExponent: v.GetFloat64("power_of_two_exponent"),
		TargetLatencyMs:    v.GetInt("target_latency_ms"),
		UsePowerOfTwo:      v.GetBool("use_power_of_two"),
		RebalanceInterval:  time.Duration(v.GetInt("rebalance_interval_ms")) * time.Millisecond,
		PreWarmThreshold:   v.GetFloat64("prewarm_threshold"),

		CancellationTimeoutMs: clampInt(v.GetInt("cancellation_timeout_ms"), 5000, 60000),
		BenchmarkTimeout:      time.Duration(v.GetInt("benchmark_timeout_ms")) * time.Millisecond,
		HealthCheckInterval:   time.Duration(v.GetInt("health_check_interval_s")) * time.Second,
		HealthCheckTimeout:    time.Duration(v.GetInt("health_check_timeout_ms")) * time.Millisecond,
	}

	if hosts := v.GetString("OLLAMA_HOSTS"); hosts != "" {
		cfg.OllamaHosts = splitAndTrim(hosts)
	}
	if models := v.GetString("LLM_MODELS"); models != "" {
		cfg.Models = splitAndTrim(models)
	}
	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0]
	}

	return cfg
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
