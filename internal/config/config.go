package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/dsyorkd/pi-doser/internal/api/middleware"
	"github.com/dsyorkd/pi-doser/internal/logger"
	"github.com/dsyorkd/pi-doser/internal/ota"
	"github.com/dsyorkd/pi-doser/internal/storage"
	"github.com/dsyorkd/pi-doser/internal/websocket"
	"github.com/dsyorkd/pi-doser/pkg/discovery"
	"github.com/dsyorkd/pi-doser/pkg/gpio"
	"github.com/dsyorkd/pi-doser/pkg/stepper"
)

// Config holds the entire application configuration
type Config struct {
	App AppConfig `yaml:"app"`

	// REST API server
	API APIConfig `yaml:"api"`

	Log logger.Config `yaml:"log"`

	// Store keeps the pump calibration records
	Store storage.KVConfig `yaml:"store"`

	// History is the dose history database
	History HistoryConfig `yaml:"history"`

	// Motion limits shared by every pump
	Motion MotionConfig `yaml:"motion"`

	// Pumps lists the driver boards in detection order
	Pumps []PumpConfig `yaml:"pumps"`

	GPIO gpio.Config `yaml:"gpio"`

	OTA ota.Config `yaml:"ota"`

	// Discovery advertises the API over mDNS
	Discovery discovery.AdvertiserConfig `yaml:"discovery"`

	WebSocket websocket.Config `yaml:"websocket"`

	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`

	Auth middleware.AuthConfig `yaml:"auth"`
}

// AppConfig contains general application settings
type AppConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
	Debug   bool   `yaml:"debug"`
}

// APIConfig contains REST API server settings
type APIConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	// ShutdownTimeout bounds the wait for in-flight motion on exit
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	CORSEnabled     bool   `yaml:"cors_enabled"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	SystemInfo      bool   `yaml:"system_info"`
}

// HistoryConfig contains dose history settings
type HistoryConfig struct {
	Enabled        bool `yaml:"enabled"`
	storage.Config `yaml:",inline"`
	// Retention is how long events are kept; zero keeps them forever
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MotionConfig describes the shared STEP line and the kinematic limits
type MotionConfig struct {
	StepPin      int           `yaml:"step_pin"`
	ClockHz      int64         `yaml:"clock_hz"`
	Microsteps   int           `yaml:"microsteps"`
	MaxRPM       float64       `yaml:"max_rpm"`
	MaxAccel     float64       `yaml:"max_accel"`
	StepsPerRev  int           `yaml:"steps_per_rev"`
	StepPulse    time.Duration `yaml:"step_pulse"`
	BackoffSteps int32         `yaml:"backoff_steps"`
}

// PumpConfig is one driver board
type PumpConfig struct {
	EnablePin int `yaml:"enable_pin"`
	DirPin    int `yaml:"dir_pin"`
}

// Load loads configuration from YAML file with defaults
func Load(configPath string) (*Config, error) {
	config := getDefaults()

	var configFile string
	if configPath != "" {
		configFile = configPath
	} else {
		searchPaths := []string{
			"./pi-doser.yaml",
			"./config/pi-doser.yaml",
			"/etc/pi-doser/pi-doser.yaml",
			filepath.Join(os.Getenv("HOME"), ".pi-doser", "pi-doser.yaml"),
		}

		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyEnvOverrides(&config)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// validate validates the configuration and resolves paths against the data directory
func (c *Config) validate() error {
	if c.App.DataDir != "" {
		if err := os.MkdirAll(c.App.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		c.Store.Path = c.resolve(c.Store.Path)
		c.History.Path = c.resolve(c.History.Path)
		c.OTA.Dir = c.resolve(c.OTA.Dir)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Log.Level, err)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	for name, v := range map[string]string{
		"read_timeout":     c.API.ReadTimeout,
		"write_timeout":    c.API.WriteTimeout,
		"shutdown_timeout": c.API.ShutdownTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid api %s '%s': %w", name, v, err)
		}
	}

	if err := c.validatePumps(); err != nil {
		return err
	}

	if c.OTA.Enabled {
		if c.OTA.MinSize < 0 || c.OTA.MaxSize <= c.OTA.MinSize {
			return fmt.Errorf("invalid firmware size window: min %d, max %d", c.OTA.MinSize, c.OTA.MaxSize)
		}
	}

	if c.Auth.Enabled && len(c.Auth.Secret) < middleware.MinSecretLength {
		return fmt.Errorf("auth secret must be at least %d characters", middleware.MinSecretLength)
	}

	if c.History.Retention < 0 {
		return fmt.Errorf("invalid history retention: %s", c.History.Retention)
	}

	return nil
}

func (c *Config) validatePumps() error {
	if c.Motion.StepPin < 0 {
		return fmt.Errorf("invalid step pin: %d", c.Motion.StepPin)
	}

	used := map[int]string{c.Motion.StepPin: "step"}
	claim := func(pin int, role string) error {
		if pin < 0 {
			return fmt.Errorf("invalid %s pin: %d", role, pin)
		}
		if other, ok := used[pin]; ok {
			return fmt.Errorf("GPIO %d is used as both %s and %s pin", pin, other, role)
		}
		used[pin] = role
		return nil
	}

	clock := c.Motion.Clock()
	for i, p := range c.Pumps {
		if err := claim(p.EnablePin, fmt.Sprintf("pump %d enable", i)); err != nil {
			return err
		}
		if err := claim(p.DirPin, fmt.Sprintf("pump %d dir", i)); err != nil {
			return err
		}
		if err := c.Motion.DriverConfig(p).Validate(clock); err != nil {
			return fmt.Errorf("pump %d: %w", i, err)
		}
	}
	return nil
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.App.DataDir, path)
}

// Clock returns the pulse channel tick rate
func (m *MotionConfig) Clock() physic.Frequency {
	if m.ClockHz <= 0 {
		return stepper.DefaultClock
	}
	return physic.Frequency(m.ClockHz) * physic.Hertz
}

// DriverConfig combines the shared limits with one pump's pins
func (m *MotionConfig) DriverConfig(p PumpConfig) stepper.DriverConfig {
	return stepper.DriverConfig{
		EnablePin:   p.EnablePin,
		DirPin:      p.DirPin,
		Microsteps:  stepper.Microsteps(m.Microsteps),
		MaxRPM:      m.MaxRPM,
		MaxAccel:    m.MaxAccel,
		StepsPerRev: m.StepsPerRev,
		StepPulse:   m.StepPulse,
	}
}

// Pins returns every pin the pumps drive, step pin first
func (c *Config) Pins() []int {
	pins := []int{c.Motion.StepPin}
	for _, p := range c.Pumps {
		pins = append(pins, p.EnablePin, p.DirPin)
	}
	return pins
}

// getDefaults returns a Config struct with default values based on environment
func getDefaults() Config {
	env := os.Getenv("PI_DOSER_ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}

	if env == "development" || env == "dev" {
		return getDevelopmentDefaults()
	}
	return getProductionDefaults()
}

// getDevelopmentDefaults runs without hardware and with debug logging
func getDevelopmentDefaults() Config {
	config := getProductionDefaults()

	config.App.Debug = true
	config.Log.Level = "debug"
	config.Log.Format = "text"
	config.GPIO.MockMode = true
	config.Discovery.Enabled = false
	config.RateLimit.Enabled = false

	return config
}

// getProductionDefaults returns the defaults for a doser board
func getProductionDefaults() Config {
	return Config{
		App: AppConfig{
			Name:    "pi-doser",
			DataDir: "./data",
			Debug:   false,
		},
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     "30s",
			WriteTimeout:    "10m",
			ShutdownTimeout: "2m",
			CORSEnabled:     true,
			MetricsEnabled:  true,
			SystemInfo:      true,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Store: storage.KVConfig{
			Path:      "pi-doser.kv",
			Namespace: storage.DefaultNamespace,
			Timeout:   time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Config: storage.Config{
				Path:            "pi-doser.db",
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: "5m",
				LogLevel:        "warn",
			},
			Retention:     90 * 24 * time.Hour,
			PruneInterval: 6 * time.Hour,
		},
		Motion: MotionConfig{
			StepPin:      18,
			ClockHz:      int64(stepper.DefaultClock / physic.Hertz),
			Microsteps:   int(stepper.DefaultMicrosteps),
			MaxRPM:       stepper.DefaultMaxRPM,
			MaxAccel:     stepper.DefaultMaxAccel,
			StepsPerRev:  stepper.DefaultStepsPerRev,
			StepPulse:    stepper.DefaultStepPulse,
			BackoffSteps: 50,
		},
		Pumps: []PumpConfig{
			{EnablePin: 17, DirPin: 27},
			{EnablePin: 22, DirPin: 23},
			{EnablePin: 24, DirPin: 25},
			{EnablePin: 5, DirPin: 6},
		},
		GPIO: *gpio.DefaultConfig(),
		OTA: ota.Config{
			Enabled:   true,
			Dir:       "firmware",
			ImageName: "pi-doser",
			MinSize:   ota.DefaultMinSize,
			MaxSize:   ota.DefaultMaxSize,
			ChunkSize: ota.DefaultChunkSize,
			Timeout:   5 * time.Minute,
		},
		Discovery: *discovery.DefaultAdvertiserConfig(),
		WebSocket: *websocket.DefaultConfig(),
		RateLimit: *middleware.DefaultRateLimitConfig(),
		Auth:      *middleware.DefaultAuthConfig(),
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PI_DOSER_API_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil && port > 0 {
			config.API.Port = port
		}
	}
	if env := os.Getenv("PI_DOSER_API_HOST"); env != "" {
		config.API.Host = env
	}
	if env := os.Getenv("PI_DOSER_LOG_LEVEL"); env != "" {
		config.Log.Level = env
	}
	if env := os.Getenv("PI_DOSER_DEBUG"); env == "true" {
		config.App.Debug = true
	}
	if env := os.Getenv("PI_DOSER_DATA_DIR"); env != "" {
		config.App.DataDir = env
	}
	if env := os.Getenv("PI_DOSER_MOCK_GPIO"); env != "" {
		if v, err := strconv.ParseBool(env); err == nil {
			config.GPIO.MockMode = v
		}
	}
	if env := os.Getenv("PI_DOSER_AUTH_SECRET"); env != "" {
		config.Auth.Secret = env
	}
	if env := os.Getenv("PI_DOSER_HOSTNAME"); env != "" {
		config.Discovery.HostName = env
		config.Discovery.ServiceName = env
	}
}

// GetAddress returns the formatted address for the API server
func (c *APIConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Durations parses the server timeouts; empty or invalid values fall back to defaults
func (c *APIConfig) Durations() (read, write, shutdown time.Duration) {
	return parseDuration(c.ReadTimeout, 30*time.Second),
		parseDuration(c.WriteTimeout, 10*time.Minute),
		parseDuration(c.ShutdownTimeout, 2*time.Minute)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
