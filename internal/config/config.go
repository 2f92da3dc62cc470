package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs at startup.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Site    SiteConfig    `yaml:"site"`
	Workers WorkersConfig `yaml:"workers"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host" validate:"omitempty,ipv4"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`

	Backlog   int `yaml:"backlog" validate:"min=1"`
	MaxEvents int `yaml:"max_events" validate:"min=1"`

	// 0 disables the timeout
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=0"`

	// how long busy workers get to finish once shutdown starts
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

type SiteConfig struct {
	Root       string `yaml:"root" validate:"required"`
	ServerName string `yaml:"server_name"`
	MaxLine    int    `yaml:"max_line" validate:"min=0"`
}

type WorkersConfig struct {
	Count         int `yaml:"count" validate:"min=1,max=4096"`
	QueueCapacity int `yaml:"queue_capacity" validate:"min=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built in settings. Root is left empty; it always comes
// from the command line or the config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			Backlog:   2048,
			MaxEvents: 1024,

			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Site: SiteConfig{
			ServerName: "The Naive HTTP Server",
			MaxLine:    4096,
		},
		Workers: WorkersConfig{
			Count:         4,
			QueueCapacity: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from the defaults, then the YAML file at path if path
// is not empty, then environment overrides. The result is not validated;
// callers apply their own overrides first and call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Server.Host = getEnvOrDefault("HTTPD_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("HTTPD_PORT", cfg.Server.Port)
	cfg.Workers.Count = getEnvAsIntOrDefault("HTTPD_WORKERS", cfg.Workers.Count)
	cfg.Workers.QueueCapacity = getEnvAsIntOrDefault("HTTPD_QUEUE_CAPACITY", cfg.Workers.QueueCapacity)
	cfg.Log.Level = getEnvOrDefault("HTTPD_LOG_LEVEL", cfg.Log.Level)

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and that the site root is a directory. It
// normalizes Site.Root as a side effect.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return err
	}

	c.Site.Root = NormalizeDir(c.Site.Root)
	fi, err := os.Stat(c.Site.Root)
	if err != nil {
		return fmt.Errorf("site root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("site root %s is not a directory", c.Site.Root)
	}
	return nil
}

// ServerAddress returns host:port.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NormalizeDir strips one trailing '/' unless dir is the file system root.
func NormalizeDir(dir string) string {
	if len(dir) > 1 && strings.HasSuffix(dir, "/") {
		return dir[:len(dir)-1]
	}
	return dir
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
