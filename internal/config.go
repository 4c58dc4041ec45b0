package internal

import (
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/kiln/internal/generator"
	"github.com/starford/kiln/internal/index"
	"github.com/starford/kiln/internal/registry"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Anchor backends.
const (
	AnchorNone   = "none"
	AnchorSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	App         ApplicationConfig              `yaml:"app"`
	Templates   TemplatesConfig                `yaml:"templates"`
	Output      OutputConfig                   `yaml:"output"`
	SQLite      SQLiteConfig                   `yaml:"sqlite"`
	Auth        AuthConfig                     `yaml:"auth"`
	Attestation AttestationConfig              `yaml:"attestation"`
	Variables   map[string]registry.Definition `yaml:"variables"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Templates.Validate(); err != nil {
		return err
	}
	if err := c.Output.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Attestation.Validate(); err != nil {
		return err
	}
	for name, def := range c.Variables {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("variables.%s: %w", name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel    slog.Level `yaml:"log_level"`
	HTTP        HTTPConfig `yaml:"http"`
	Parallelism int        `yaml:"parallelism"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Parallelism, validation.Min(0)),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
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

// TemplatesConfig locates the template root.
type TemplatesConfig struct {
	Root      string `yaml:"root"`
	Extension string `yaml:"extension"`
	Watch     bool   `yaml:"watch"`
}

// Validate validates the templates configuration.
func (c *TemplatesConfig) Validate() error {
	if c.Extension == "" {
		c.Extension = index.DefaultExtension
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.Extension, validation.By(func(any) error {
			if !strings.HasPrefix(c.Extension, ".") || strings.ContainsAny(c.Extension, `/\`) {
				return fmt.Errorf("must start with a dot and contain no separators")
			}
			return nil
		})),
	)
}

// OutputConfig holds generation settings.
//
// BackupDir is relative to each workflow's output root.
type OutputConfig struct {
	Root         string `yaml:"root"`
	BackupDir    string `yaml:"backup_dir"`
	StrictInject bool   `yaml:"strict_inject"`
}

// Validate validates the output configuration.
func (c *OutputConfig) Validate() error {
	if c.BackupDir == "" {
		c.BackupDir = generator.BackupRoot
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.BackupDir, validation.By(func(any) error {
			if strings.HasPrefix(c.BackupDir, "/") || strings.Contains(c.BackupDir, "..") {
				return fmt.Errorf("must be a relative path inside the output root")
			}
			return nil
		})),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// AttestationConfig controls attestation signing and anchoring.
//
// An empty KeyDir leaves attestations unsigned. Anchor "sqlite" queues every
// attestation hash in the record store for an external anchoring worker.
type AttestationConfig struct {
	KeyDir string `yaml:"key_dir"`
	Anchor string `yaml:"anchor"`
}

// Validate validates the attestation configuration.
func (c *AttestationConfig) Validate() error {
	if c.Anchor == "" {
		c.Anchor = AnchorNone
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Anchor, validation.In(AnchorNone, AnchorSQLite)),
	)
}

// Signed reports whether attestations are signed.
func (c *AttestationConfig) Signed() bool {
	return c.KeyDir != ""
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
			Parallelism: 4,
		},
		Templates: TemplatesConfig{
			Root:      "./_templates",
			Extension: index.DefaultExtension,
		},
		Output: OutputConfig{
			Root:      ".",
			BackupDir: generator.BackupRoot,
		},
		SQLite: SQLiteConfig{
			Path: "./kiln.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Attestation: AttestationConfig{
			KeyDir: "./.kiln/keys",
			Anchor: AnchorNone,
		},
	}
}
