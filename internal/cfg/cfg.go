// Package cfg holds the handoff server's application configuration.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/cynerellc/buzzi-handoff/internal/handoff"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	KafkaBrokers          string
	KafkaTopic            string
	SentimentThreshold    float64
	MaxTurns              int
	DefaultStrategy       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for notifications (empty = notifications disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "handoff-events", "Kafka topic for escalation notifications")
	fs.Float64Var(&c.SentimentThreshold, "sentiment-threshold", -0.5, "normalized sentiment at or below which escalation triggers (-1..0)")
	fs.IntVar(&c.MaxTurns, "max-turns", 10, "conversation turn count at which escalation triggers (>= 2)")
	fs.StringVar(&c.DefaultStrategy, "default-strategy", "least_busy", "routing strategy when a tenant has no config (least_busy, round_robin, random)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if math.IsNaN(c.SentimentThreshold) || c.SentimentThreshold < -1 || c.SentimentThreshold > 0 {
		errs = append(errs, fmt.Errorf("invalid SENTIMENT_THRESHOLD %.2f (must be -1..0)", c.SentimentThreshold))
	}

	if c.MaxTurns < 2 {
		errs = append(errs, fmt.Errorf("invalid MAX_TURNS %d (must be >= 2)", c.MaxTurns))
	}

	if _, err := handoff.ParseStrategy(c.DefaultStrategy); err != nil {
		errs = append(errs, fmt.Errorf("invalid DEFAULT_STRATEGY %q", c.DefaultStrategy))
	} else if c.DefaultStrategy == string(handoff.StrategyPreferred) {
		errs = append(errs, errors.New(`DEFAULT_STRATEGY cannot be "preferred"; preferred routing comes from tenant config`))
	}

	// Topic is only meaningful with brokers configured
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Brokers splits the comma-separated broker list.
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(c.KafkaBrokers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
