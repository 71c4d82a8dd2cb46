package internal

import (
	"log/slog"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	logger *slog.Logger
	// ready receives the listen address once the emulator accepts connections.
	ready chan<- string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the JSON logger built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithReady reports the emulator listen address on ch.
func WithReady(ch chan<- string) Option {
	return func(a *application) {
		a.ready = ch
	}
}
