// internal/config/config.go
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CRATIS_CONFIG is not set.
const DefaultPath = "cratis.yml"

type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Backup   BackupConfig   `yaml:"backup"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Advanced AdvancedConfig `yaml:"advanced"`

	Environment string `yaml:"environment"` // development, production
	LogLevel    string `yaml:"log_level"`   // debug, info, warn, error
}

type ClientConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type BackupConfig struct {
	// Root is the tree being versioned. Ledger paths are relative to it.
	Root string `yaml:"root"`
	// WatchDirectories limits backup to these subtrees of Root. Empty
	// means all of Root.
	WatchDirectories []string      `yaml:"watch_directories,omitempty"`
	Exclude          []string      `yaml:"exclude,omitempty"`
	Debounce         time.Duration `yaml:"debounce"`
	MaxDebounce      time.Duration `yaml:"max_debounce"`
	// Interval between full rescans of Root. Zero disables rescans.
	Interval time.Duration `yaml:"interval"`
}

type StorageConfig struct {
	Path        string            `yaml:"path"`
	CacheSize   int               `yaml:"cache_size"`
	Compression CompressionConfig `yaml:"compression"`
	// GCInterval between prunes of unreferenced content. Zero disables.
	GCInterval time.Duration `yaml:"gc_interval"`
}

type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	MinSize int  `yaml:"min_size"`
	Level   int  `yaml:"level"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Address is the base URL clients use to reach the daemon.
	Address   string `yaml:"address,omitempty"`
	AuthToken string `yaml:"auth_token,omitempty"`
}

type AdvancedConfig struct {
	MaxFileSizeMB     int64 `yaml:"max_file_size_mb"`
	RetryAttempts     int   `yaml:"retry_attempts"`
	RetryDelaySeconds int   `yaml:"retry_delay_seconds"`
}

// Default returns a configuration that backs up the working directory.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ID:   uuid.New().String(),
			Name: hostname(),
		},
		Backup: BackupConfig{
			Root:        ".",
			Debounce:    500 * time.Millisecond,
			MaxDebounce: 5 * time.Second,
		},
		Storage: StorageConfig{
			Path:      ".cratis",
			CacheSize: 1000,
			Compression: CompressionConfig{
				Enabled: true,
				MinSize: 1024,
				Level:   2,
			},
			GCInterval: time.Hour,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		Advanced: AdvancedConfig{
			MaxFileSizeMB:     512,
			RetryAttempts:     3,
			RetryDelaySeconds: 1,
		},
		Environment: "development",
		LogLevel:    "info",
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "cratis"
	}
	return name
}

// Path returns the configuration file location, honoring CRATIS_CONFIG.
func Path() string {
	if p := os.Getenv("CRATIS_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults and validates the result. Relative
// backup and storage paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Backup.Root = resolve(base, cfg.Backup.Root)
	cfg.Storage.Path = resolve(base, cfg.Storage.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) Validate() error {
	if c.Backup.Root == "" {
		return fmt.Errorf("backup.root is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Backup.Debounce < 0 || c.Backup.MaxDebounce < 0 {
		return fmt.Errorf("backup debounce durations cannot be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Advanced.RetryAttempts < 0 {
		return fmt.Errorf("advanced.retry_attempts cannot be negative")
	}
	if lvl := c.Storage.Compression.Level; c.Storage.Compression.Enabled && (lvl < 1 || lvl > 4) {
		return fmt.Errorf("storage.compression.level must be between 1 and 4")
	}
	return nil
}

// Save writes c to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// ListenAddr is the address the daemon binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// BaseURL is where clients reach the daemon.
func (c *Config) BaseURL() string {
	if c.Server.Address != "" {
		return strings.TrimSuffix(c.Server.Address, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

func (a AdvancedConfig) MaxFileSize() int64 {
	return a.MaxFileSizeMB << 20
}

func (a AdvancedConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelaySeconds) * time.Second
}

// SetValue updates one dot separated key (for example "server.port") in
// the YAML file at path, creating intermediate mappings as needed, and
// leaves the rest of the document, comments included, untouched.
func SetValue(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level is not a mapping", path)
	}

	keys := strings.Split(key, ".")
	node := doc.Content[0]
	for i, k := range keys {
		if k == "" {
			return fmt.Errorf("invalid key %q", key)
		}
		child := lookup(node, k)
		last := i == len(keys)-1
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, child)
		}
		if last {
			var parsed yaml.Node
			if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || len(parsed.Content) == 0 {
				*child = yaml.Node{Kind: yaml.ScalarNode, Value: value}
			} else {
				*child = *parsed.Content[0]
			}
			break
		}
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("%s is not a mapping", strings.Join(keys[:i+1], "."))
		}
		node = child
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	// Validate through a temp copy so a bad value never replaces a
	// working file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return err
	}
	if _, err := Load(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
