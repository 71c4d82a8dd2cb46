package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/kechain/internal/emulator"
	"github.com/starford/kechain/pkg/kechain"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Backend  BackendConfig     `yaml:"backend"`
	Retry    RetryConfig       `yaml:"retry"`
	Paging   PagingConfig      `yaml:"paging"`
	Emulator EmulatorConfig    `yaml:"emulator"`
	Snapshot SnapshotConfig    `yaml:"snapshot"`
	Watch    WatchConfig       `yaml:"watch"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Paging.Validate(); err != nil {
		return fmt.Errorf("paging: %w", err)
	}
	if err := c.Emulator.Validate(); err != nil {
		return fmt.Errorf("emulator: %w", err)
	}
	if err := c.Snapshot.Validate(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return c.Watch.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the emulator listen configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// BackendConfig points the client at a KE-chain instance.
//
// Either Token or Username and Password authenticate; with neither the
// client is anonymous and most calls fail with 401.
type BackendConfig struct {
	URL               string `yaml:"url"`
	Token             string `yaml:"token"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	CheckCertificates bool   `yaml:"check_certificates"`
	// Timeout bounds each request; zero leaves it to the context.
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the backend configuration.
func (c *BackendConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Password, validation.When(c.Username != "", validation.Required)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	if c.Token != "" && c.Username != "" {
		return fmt.Errorf("token and username are mutually exclusive")
	}
	return nil
}

// RetryConfig mirrors kechain.RetryPolicy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1), validation.Max(10)),
		validation.Field(&c.InitialBackoff, validation.Required),
		validation.Field(&c.MaxBackoff, validation.Required, validation.Min(c.InitialBackoff)),
		validation.Field(&c.Multiplier, validation.Required, validation.Min(1.0)),
	)
}

// Policy converts the configuration into a kechain.RetryPolicy.
func (c *RetryConfig) Policy() kechain.RetryPolicy {
	return kechain.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
	}
}

// PagingConfig holds the chunk size for list requests.
type PagingConfig struct {
	PageSize int `yaml:"page_size"`
}

// Validate validates the paging configuration.
func (c *PagingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.PageSize, validation.Required, validation.Min(1), validation.Max(1000)),
	)
}

// EmulatorConfig configures `kechain emulate`.
type EmulatorConfig struct {
	emulator.Config `yaml:",inline"`
	// Demo loads the bundled bike project.
	Demo bool `yaml:"demo"`
}

// Validate validates the emulator configuration.
func (c *EmulatorConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.PIMVersion, validation.Required),
		validation.Field(&c.Users, validation.Required, validation.Each(validation.By(validUser))),
		validation.Field(&c.ExportPendingPolls, validation.Min(-1)),
	)
}

func validUser(v any) error {
	u, ok := v.(emulator.User)
	if !ok {
		return fmt.Errorf("unexpected user type %T", v)
	}
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if u.Password == "" && u.Token == "" {
		return fmt.Errorf("user %s needs a password or a token", u.Username)
	}
	return nil
}

// SnapshotConfig holds the SQLite snapshot location.
type SnapshotConfig struct {
	Path string `yaml:"path"`
	// BatchSize is the number of parents per descendants request.
	BatchSize int `yaml:"batch_size"`
}

// Validate validates the snapshot configuration.
func (c *SnapshotConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
	)
}

// WatchConfig configures the attachment watcher.
type WatchConfig struct {
	Dir      string        `yaml:"dir"`
	Manifest string        `yaml:"manifest"`
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Manifest, validation.Required),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	retry := kechain.DefaultRetryPolicy()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Backend: BackendConfig{
			URL:               "http://localhost:8080",
			CheckCertificates: true,
		},
		Retry: RetryConfig{
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			Multiplier:     retry.Multiplier,
		},
		Paging: PagingConfig{
			PageSize: kechain.DefaultPageSize,
		},
		Emulator: EmulatorConfig{
			Config: emulator.DefaultConfig(),
		},
		Snapshot: SnapshotConfig{
			Path:      "./kechain.db",
			BatchSize: 100,
		},
		Watch: WatchConfig{
			Dir:      ".",
			Manifest: "./kechain.yaml",
		},
	}
}

// ClientOptions returns the kechain options described by the configuration.
func (c *Config) ClientOptions(logger *slog.Logger) []kechain.Option {
	opts := []kechain.Option{
		kechain.WithRetry(c.Retry.Policy()),
		kechain.WithPageSize(c.Paging.PageSize),
		kechain.WithCheckCertificates(c.Backend.CheckCertificates),
	}
	if logger != nil {
		opts = append(opts, kechain.WithLogger(logger))
	}
	if c.Backend.Timeout > 0 {
		opts = append(opts, kechain.WithTimeout(c.Backend.Timeout))
	}
	switch {
	case c.Backend.Token != "":
		opts = append(opts, kechain.WithToken(c.Backend.Token))
	case c.Backend.Username != "":
		opts = append(opts, kechain.WithCredentials(c.Backend.Username, c.Backend.Password))
	}
	return opts
}

// NewClient builds a client for the configured backend.
func (c *Config) NewClient(logger *slog.Logger, extra ...kechain.Option) (*kechain.Client, error) {
	return kechain.New(c.Backend.URL, append(c.ClientOptions(logger), extra...)...)
}
