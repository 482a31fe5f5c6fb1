package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const ConfigFileName = "sftp-sync.yaml"

const (
	DefaultPort              = 22
	DefaultWait              = 250 * time.Millisecond
	DefaultTimeout           = 30 * time.Second
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultLogLevel          = "debug"
)

type Config struct {
	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`

	LogFile           string            `yaml:"log_file"`
	LogLevel          string            `yaml:"log_level"`
	Journal           string            `yaml:"journal"`
	Wait              time.Duration     `yaml:"wait"`
	Timeout           time.Duration     `yaml:"timeout"`
	KeepaliveInterval time.Duration     `yaml:"keepalive_interval"`
	KnownHosts        string            `yaml:"known_hosts,omitempty"`
	SelectedServer    string            `yaml:"selected_server,omitempty"`
	Servers           map[string]Server `yaml:"servers"`
}

type Server struct {
	Name           string   `yaml:"-"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port,omitempty"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	PrivateKey     string   `yaml:"private_key,omitempty"`
	PrivateKeyPass string   `yaml:"private_key_pass,omitempty"`
	LocalPath      string   `yaml:"local_path"`
	RemotePath     string   `yaml:"remote_path"`
	Ignores        []string `yaml:"ignores,omitempty"`
}

// Addr returns host:port suitable for dialing.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Names returns server names sorted, which is also the resolution order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate replaces ${VAR} references. The process environment wins over
// values from the .env file.
func interpolate(text string, dotenv map[string]string) string {
	return envRef.ReplaceAllStringFunc(text, func(match string) string {
		key := envRef.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		if v, ok := dotenv[key]; ok {
			return v
		}
		return match
	})
}

// Parse decodes raw YAML, resolving ${VAR} references and relative local
// paths against baseDir. It applies defaults but does not validate.
func Parse(data []byte, baseDir string) (*Config, error) {
	dotenv := map[string]string{}
	envPath := filepath.Join(baseDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		dotenv, err = godotenv.Read(envPath)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", envPath, err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolate(string(data), dotenv)), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.applyDefaults(baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) error {
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile()
	} else if expanded, err := homedir.Expand(c.LogFile); err == nil {
		c.LogFile = expanded
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Journal == "" {
		c.Journal = filepath.Join(baseDir, ".sync_temp", "journal.db")
	} else if expanded, err := homedir.Expand(c.Journal); err == nil {
		c.Journal = expanded
	}
	if c.KnownHosts != "" {
		expanded, err := homedir.Expand(c.KnownHosts)
		if err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}
		c.KnownHosts = expanded
	}
	if c.Wait == 0 {
		c.Wait = DefaultWait
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}

	var currentUser string
	if u, err := user.Current(); err == nil {
		currentUser = u.Username
	}

	for name, s := range c.Servers {
		s.Name = name
		if s.Port == 0 {
			s.Port = DefaultPort
		}
		if s.Username == "" {
			s.Username = currentUser
		}
		if s.PrivateKey != "" {
			key, err := homedir.Expand(s.PrivateKey)
			if err != nil {
				return fmt.Errorf("server %s: %w", name, err)
			}
			s.PrivateKey = key
		}
		if s.LocalPath != "" {
			local, err := homedir.Expand(s.LocalPath)
			if err != nil {
				return fmt.Errorf("server %s: %w", name, err)
			}
			if !filepath.IsAbs(local) {
				local = filepath.Join(baseDir, local)
			}
			s.LocalPath = filepath.Clean(local)
		}
		if s.RemotePath != "" {
			s.RemotePath = path.Clean(filepath.ToSlash(s.RemotePath))
		}
		c.Servers[name] = s
	}
	return nil
}

// ValidateConfig checks every server entry and reports all problems at once.
func ValidateConfig(cfg *Config) error {
	var validationErrors []string

	if len(cfg.Servers) == 0 {
		validationErrors = append(validationErrors, "servers cannot be empty")
	}

	for _, name := range cfg.Names() {
		s := cfg.Servers[name]
		if strings.TrimSpace(s.Host) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("server %s: host cannot be empty", name))
		}
		if s.Port <= 0 || s.Port > 65535 {
			validationErrors = append(validationErrors, fmt.Sprintf("server %s: port must be a valid number between 1-65535", name))
		}
		if strings.TrimSpace(s.LocalPath) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("server %s: local_path cannot be empty", name))
		}
		if strings.TrimSpace(s.RemotePath) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("server %s: remote_path cannot be empty", name))
		} else if !path.IsAbs(s.RemotePath) {
			validationErrors = append(validationErrors, fmt.Sprintf("server %s: remote_path must be absolute: %s", name, s.RemotePath))
		}
		if s.PrivateKey != "" {
			if _, err := os.Stat(s.PrivateKey); os.IsNotExist(err) {
				validationErrors = append(validationErrors, fmt.Sprintf("server %s: private key file does not exist: %s", name, s.PrivateKey))
			}
		}
		if s.Password == "" && s.PrivateKey == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("server %s: password or private_key is required", name))
		}
	}

	if cfg.SelectedServer != "" {
		if _, ok := cfg.Servers[cfg.SelectedServer]; !ok {
			validationErrors = append(validationErrors, fmt.Sprintf("selected_server %s is not configured", cfg.SelectedServer))
		}
	}

	if cfg.Wait < 0 {
		validationErrors = append(validationErrors, "wait cannot be negative")
	}
	if cfg.Timeout < 0 {
		validationErrors = append(validationErrors, "timeout cannot be negative")
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(validationErrors, "\n"))
	}
	return nil
}

// LoadAndValidateConfig reads the file at configPath (ConfigFileName in the
// working directory when empty).
func LoadAndValidateConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = GetConfigPath()
	}
	if !ConfigExists(configPath) {
		return nil, errors.New(ConfigFileName + " not found. Please run 'sftp-sync init' first")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	cfg.Path = abs

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}

func GetConfigPath() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ConfigFileName)
}

func DefaultLogFile() string {
	return filepath.Join(os.TempDir(), "sftp_sync.log")
}

// Template is the starting configuration written by `sftp-sync init`.
func Template() string {
	return `# sftp-sync configuration
log_file: ` + DefaultLogFile() + `
log_level: debug
wait: 250ms
timeout: 30s
keepalive_interval: 60s
# known_hosts: ~/.ssh/known_hosts

servers:
  example:
    host: ${SFTP_SYNC_HOST}
    port: 22
    username: deploy
    private_key: ~/.ssh/id_ed25519
    # private_key_pass: ${SFTP_SYNC_KEY_PASS}
    # password: ${SFTP_SYNC_PASSWORD}
    local_path: .
    remote_path: /var/www/example
    ignores:
      - .git/
      - "*.swp"
`
}
