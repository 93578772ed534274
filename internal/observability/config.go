package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/loyalty/internal/config"
)

const defaultServiceName = "loyalty"

// Config is the resolved observability settings for one process. Values
// come from the shared app config first and may be overridden through the
// standard OTEL_* and LOG_* environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel         string
	LogFormat        string
	LogSampleInitial int
	LogSampleAfter   int
	LogSampleWindow  time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = defaultServiceName
	}

	return Config{
		ServiceName:          name,
		Environment:          envString("DEPLOYMENT_ENV", cfg.Environment),
		Version:              envString("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(envString("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envString("LOG_FORMAT", "json")),
		LogSampleInitial:     envInt("LOG_SAMPLING_INITIAL", 100),
		LogSampleAfter:       envInt("LOG_SAMPLING_THEREAFTER", 100),
		LogSampleWindow:      envDuration("LOG_SAMPLING_WINDOW", time.Second),
		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: exporterProtocol(),
		OtelSamplingRatio:    envFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

// Debug reports whether verbose diagnostics (error details in request logs,
// stack traces) should be emitted.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

// The traces-specific protocol wins over the generic one.
func exporterProtocol() string {
	if protocol := envString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); protocol != "" {
		return strings.ToLower(protocol)
	}
	return strings.ToLower(envString("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
}

func envString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(fallback)
}

func envBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && value > 0 {
		return value
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil && value > 0 {
		return value
	}
	return fallback
}
