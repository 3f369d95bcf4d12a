package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const DefaultHubBaseURL = "https://hub.apitally.io"

var envPattern = regexp.MustCompile(`^[\w-]{1,32}$`)

// Config contains runtime options for the agent.
type Config struct {
	ClientID        string         `yaml:"client_id"`
	Env             string         `yaml:"env"`
	HubBaseURL      string         `yaml:"hub_base_url"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	RequestLogging  RequestLogging `yaml:"request_logging"`
}

// RequestLogging controls what the request logger records.
type RequestLogging struct {
	Enabled                bool     `yaml:"enabled"`
	IncludeQueryParams     bool     `yaml:"include_query_params"`
	IncludeRequestHeaders  bool     `yaml:"include_request_headers"`
	IncludeRequestBody     bool     `yaml:"include_request_body"`
	IncludeResponseHeaders bool     `yaml:"include_response_headers"`
	IncludeResponseBody    bool     `yaml:"include_response_body"`
	IncludeException       bool     `yaml:"include_exception"`
	CaptureLogs            bool     `yaml:"capture_logs"`
	CaptureTraces          bool     `yaml:"capture_traces"`
	ExcludePaths           []string `yaml:"exclude_paths"`
	MaskHeaders            []string `yaml:"mask_headers"`
	MaskQueryParams        []string `yaml:"mask_query_params"`
	MaskBodyFields         []string `yaml:"mask_body_fields"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Env:             "dev",
		HubBaseURL:      DefaultHubBaseURL,
		ShutdownTimeout: 5 * time.Second,
		RequestLogging: RequestLogging{
			IncludeQueryParams:     true,
			IncludeResponseHeaders: true,
			IncludeException:       true,
		},
	}
}

// Load builds config from an optional YAML file and environment variables.
// Environment variables take precedence over file values.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("APITALLY_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.ClientID = getString("APITALLY_CLIENT_ID", cfg.ClientID)
	cfg.Env = getString("APITALLY_ENV", cfg.Env)
	cfg.HubBaseURL = getString("APITALLY_HUB_BASE_URL", cfg.HubBaseURL)
	cfg.ShutdownTimeout = getDuration("APITALLY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	rl := &cfg.RequestLogging
	rl.Enabled = getBool("APITALLY_REQUEST_LOGGING_ENABLED", rl.Enabled)
	rl.IncludeQueryParams = getBool("APITALLY_LOG_QUERY_PARAMS", rl.IncludeQueryParams)
	rl.IncludeRequestHeaders = getBool("APITALLY_LOG_REQUEST_HEADERS", rl.IncludeRequestHeaders)
	rl.IncludeRequestBody = getBool("APITALLY_LOG_REQUEST_BODY", rl.IncludeRequestBody)
	rl.IncludeResponseHeaders = getBool("APITALLY_LOG_RESPONSE_HEADERS", rl.IncludeResponseHeaders)
	rl.IncludeResponseBody = getBool("APITALLY_LOG_RESPONSE_BODY", rl.IncludeResponseBody)
	rl.IncludeException = getBool("APITALLY_LOG_EXCEPTION", rl.IncludeException)
	rl.CaptureLogs = getBool("APITALLY_CAPTURE_LOGS", rl.CaptureLogs)
	rl.CaptureTraces = getBool("APITALLY_CAPTURE_TRACES", rl.CaptureTraces)
	rl.ExcludePaths = getList("APITALLY_EXCLUDE_PATHS", rl.ExcludePaths)
	rl.MaskHeaders = getList("APITALLY_MASK_HEADERS", rl.MaskHeaders)
	rl.MaskQueryParams = getList("APITALLY_MASK_QUERY_PARAMS", rl.MaskQueryParams)
	rl.MaskBodyFields = getList("APITALLY_MASK_BODY_FIELDS", rl.MaskBodyFields)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the hub identity fields and pattern lists.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if _, err := uuid.Parse(c.ClientID); err != nil {
		return fmt.Errorf("invalid client id %q: must be a UUID", c.ClientID)
	}
	if !envPattern.MatchString(c.Env) {
		return fmt.Errorf("invalid env %q: must match %s", c.Env, envPattern)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be > 0")
	}
	lists := map[string][]string{
		"exclude_paths":     c.RequestLogging.ExcludePaths,
		"mask_headers":      c.RequestLogging.MaskHeaders,
		"mask_query_params": c.RequestLogging.MaskQueryParams,
		"mask_body_fields":  c.RequestLogging.MaskBodyFields,
	}
	for name, patterns := range lists {
		for _, p := range patterns {
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("invalid pattern in %s: %w", name, err)
			}
		}
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getString(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
