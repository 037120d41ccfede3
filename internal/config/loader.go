package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/kelseyhightower/envconfig"
)

// Init loads the service configuration from the environment and validates the
// parts the core depends on.
func Init() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment configuration: %w", err)
	}

	if ServiceVersion != "" {
		cfg.AppConfig.ServiceVersion = ServiceVersion
	}

	if CommitSHA != "" {
		cfg.AppConfig.CommitSHA = CommitSHA
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *ServiceConfig) error {
	if !strings.HasPrefix(cfg.Broker.URL, "amqp://") && !strings.HasPrefix(cfg.Broker.URL, "amqps://") {
		return fmt.Errorf("broker URL must use the amqp or amqps scheme: %q", cfg.Broker.URL)
	}

	if _, err := amqp.ParseURI(cfg.Broker.URL); err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	if cfg.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive, got %d", cfg.Outbox.BatchSize)
	}

	if cfg.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox max attempts must be positive, got %d", cfg.Outbox.MaxAttempts)
	}

	return nil
}

// Loader watches for SIGUSR1 and dumps the effective configuration to stdout.
type Loader struct {
	cfg              *ServiceConfig
	configSignalChan chan os.Signal
}

// NewLoader creates a new config loader instance.
func NewLoader(cfg *ServiceConfig) *Loader {
	return &Loader{
		cfg:              cfg,
		configSignalChan: make(chan os.Signal, 1),
	}
}

// WatchConfigSignals monitors for SIGUSR1 (dump) signals.
func (l *Loader) WatchConfigSignals(ctx context.Context) {
	signal.Notify(l.configSignalChan, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(l.configSignalChan)

		for {
			select {
			case <-ctx.Done():
				return

			case <-l.configSignalChan:
				l.DumpConfig()
			}
		}
	}()
}

// DumpConfig outputs the current configuration to stdout as JSON.
func (l *Loader) DumpConfig() {
	configJSON, err := json.MarshalIndent(l.cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stdout, "Error marshaling config: %v\n", err)

		return
	}

	fmt.Fprintf(os.Stdout, "\n=== Configuration Dump ===\n%s\n=== End Configuration ===\n\n", string(configJSON))
}
