package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// DefaultConfigFile is looked up in the working directory when no --config is given.
const DefaultConfigFile = "sheetsmith.yaml"

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendHTTP   = "http"
)

// AppConfig is the sheetsmith application configuration.
type AppConfig struct {
	// DataDir is the base for every relative path below.
	DataDir string `yaml:"data_dir" validate:"required"`

	// SchemaPath points to a YAML layout file. Empty uses the built-in sheet layout.
	SchemaPath string `yaml:"schema_path"`

	Store     StoreConfig      `yaml:"store"`
	Documents DocumentsConfig  `yaml:"documents"`
	Generator GeneratorConfig  `yaml:"generator"`
	Server    ServerConfig     `yaml:"server"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig selects where the layout snapshot is persisted.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=file sqlite http"`
	Path    string `yaml:"path" validate:"required_unless=Backend http"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Profile string `yaml:"profile" validate:"omitempty,max=64"`
	Keep    int    `yaml:"keep" validate:"gte=0"`
}

// DocumentsConfig locates the character documents.
type DocumentsConfig struct {
	Dirs           []string `yaml:"dirs" validate:"dive,required"`
	UploadDir      string   `yaml:"upload_dir" validate:"required"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes" validate:"gt=0"`
}

// GeneratorConfig configures the external sheet generator.
type GeneratorConfig struct {
	// Command is the generator argv. The request JSON is written to its stdin.
	Command    []string      `yaml:"command"`
	OutputDir  string        `yaml:"output_dir" validate:"required"`
	PreviewDir string        `yaml:"preview_dir" validate:"required"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	WatchConfig     bool          `yaml:"watch_config"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PolicyConfig configures the generation guard.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths" validate:"dive,required"`

	// Disabled lists built-in policy names to skip.
	Disabled []string `yaml:"disabled"`
}

var appValidator = validator.New()

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir: ".",
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    filepath.Join("output", "config.json"),
			Keep:    50,
		},
		Documents: DocumentsConfig{
			Dirs:           []string{"jsons"},
			UploadDir:      filepath.Join("jsons", "uploads"),
			MaxUploadBytes: 16 << 20,
		},
		Generator: GeneratorConfig{
			OutputDir:  "output",
			PreviewDir: filepath.Join("output", "preview"),
			Timeout:    2 * time.Minute,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:5000",
			WatchConfig:     true,
			ShutdownTimeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadAppConfig reads the configuration at path over the defaults. An empty
// path tries DefaultConfigFile; a missing default file yields the defaults.
// An explicitly named file must exist.
func LoadAppConfig(path string) (*AppConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := DefaultAppConfig()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseAppConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Relative data dirs are relative to the config file.
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}

	return cfg, nil
}

// ParseAppConfig decodes YAML over the defaults and validates the result.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the cross-field rules validator tags
// cannot express.
func (c *AppConfig) Validate() error {
	if err := appValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Store.Backend == BackendHTTP && c.Store.URL == "" {
		return fmt.Errorf("invalid config: store.url is required for the http backend")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	return nil
}

// Resolve returns p joined to DataDir unless it is already absolute.
func (c *AppConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// DocumentDirs returns the resolved document directories, upload dir last.
func (c *AppConfig) DocumentDirs() []string {
	dirs := make([]string, 0, len(c.Documents.Dirs)+1)
	seen := make(map[string]bool)
	for _, d := range append(append([]string(nil), c.Documents.Dirs...), c.Documents.UploadDir) {
		r := c.Resolve(d)
		if seen[r] {
			continue
		}
		seen[r] = true
		dirs = append(dirs, r)
	}
	return dirs
}

// MarshalAppConfig renders the configuration as YAML.
func MarshalAppConfig(c *AppConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
