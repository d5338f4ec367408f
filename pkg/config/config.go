package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the environment-driven configuration surface. Each driver
// field selects a concrete adapter for one of the ports.
type Config struct {
	// Database
	DBDriver string `envconfig:"DB_DRIVER" default:"bolt"`
	DBURL    string `envconfig:"DB_URL" default:"./data"`

	// Blob storage
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"fs"`
	StoragePath   string `envconfig:"STORAGE_PATH" default:"./data/storage"`

	// KV cache; empty driver disables caching entirely
	CacheDriver string `envconfig:"CACHE_DRIVER" default:"memory"`
	CacheURL    string `envconfig:"CACHE_URL"`

	// Job queue; empty driver switches the job processor to the
	// synchronous strategy
	QueueDriver string `envconfig:"QUEUE_DRIVER" default:"memory"`

	// HTTP
	Port      int    `envconfig:"PORT" default:"8080"`
	PublicDir string `envconfig:"PUBLIC_DIR"`
	PublicURL string `envconfig:"PUBLIC_URL"`

	// Credential encryption master key
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" required:"true"`

	// Skip persisting artifact bytes to blob storage (metadata-only mode)
	SkipPackageStorage bool `envconfig:"SKIP_PACKAGE_STORAGE" default:"false"`

	// Optional yaml file of repositories to create at boot
	ReposFile string `envconfig:"REPOS_FILE"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON  bool   `envconfig:"LOG_JSON" default:"true"`
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// SeedRepository is one entry of the optional repository seed file
type SeedRepository struct {
	ID         string `yaml:"id"`
	URL        string `yaml:"url"`
	SourceKind string `yaml:"source_kind"`
	CredKind   string `yaml:"credential_kind"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Token      string `yaml:"token"`
	Filter     string `yaml:"filter"`
}

// SeedFile is the yaml document REPOS_FILE points at
type SeedFile struct {
	Repositories []SeedRepository `yaml:"repositories"`
}

// LoadSeedFile parses the repository seed file at path
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}
