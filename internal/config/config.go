// Package config provides application configuration for the
// orchestration core, following the env-var-driven Load/Validate
// pattern used throughout this codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all orchestration-core configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	LLMProviderAddr string

	JWTSigningKey string

	// Agent Runtime bounds (§4.B).
	MaxToolRounds     int
	ToolTimeout       time.Duration
	ToolRetryAttempts int

	// Intent Router (§4.C).
	RouterHistoryWindow   int
	RouterConfidenceFloor float64

	// Evaluator (§4.D).
	MaxLoopBacksPerTarget int

	// Negotiator (§4.E).
	NegotiationMaxRounds           int
	NegotiationConfidenceSpread    float64
	NegotiationConsensusThreshold float64

	// Conversation Orchestrator (§4.F).
	TurnBudget            time.Duration
	SubscriptionQueueSize int
	PartialFailureRatio   float64

	// Goal Executor (§4.H).
	StepRetryBudget int

	// Push Fabric (§4.J).
	HeartbeatInterval time.Duration
	AuthGracePeriod   time.Duration

	SandboxDockerHost string
	SandboxIdleTTL    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/kazicore.db"),
		LLMProviderAddr: getEnv("LLM_PROVIDER_ADDR", "localhost:50051"),
		JWTSigningKey:   getEnv("JWT_SIGNING_KEY", ""),

		MaxToolRounds:     getEnvInt("MAX_TOOL_ROUNDS", 3),
		ToolTimeout:       getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
		ToolRetryAttempts: getEnvInt("TOOL_RETRY_ATTEMPTS", 1),

		RouterHistoryWindow:   getEnvInt("ROUTER_HISTORY_WINDOW", 6),
		RouterConfidenceFloor: getEnvFloat("ROUTER_CONFIDENCE_FLOOR", 0.5),

		MaxLoopBacksPerTarget: getEnvInt("MAX_LOOP_BACKS_PER_TARGET", 2),

		NegotiationMaxRounds:          getEnvInt("NEGOTIATION_MAX_ROUNDS", 3),
		NegotiationConfidenceSpread:   getEnvFloat("NEGOTIATION_CONFIDENCE_SPREAD", 0.3),
		NegotiationConsensusThreshold: getEnvFloat("NEGOTIATION_CONSENSUS_THRESHOLD", 0.7),

		TurnBudget:            getEnvDuration("TURN_BUDGET", 120*time.Second),
		SubscriptionQueueSize: getEnvInt("SUBSCRIPTION_QUEUE_SIZE", 256),
		PartialFailureRatio:   getEnvFloat("PARTIAL_FAILURE_RATIO", 0.5),

		StepRetryBudget: getEnvInt("STEP_RETRY_BUDGET", 1),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		AuthGracePeriod:   getEnvDuration("AUTH_GRACE_PERIOD", 5*time.Second),

		SandboxDockerHost: getEnv("SANDBOX_DOCKER_HOST", ""),
		SandboxIdleTTL:    getEnvDuration("SANDBOX_IDLE_TTL", 2*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be > 0")
	}
	if c.SubscriptionQueueSize <= 0 {
		return fmt.Errorf("SUBSCRIPTION_QUEUE_SIZE must be > 0")
	}
	if c.NegotiationMaxRounds <= 0 {
		return fmt.Errorf("NEGOTIATION_MAX_ROUNDS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
