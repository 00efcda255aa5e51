// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/spf13/viper"

	"instrument-service/internal/discovery"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Discovery   DiscoveryConfig    `mapstructure:"discovery"`
	Serial      SerialConfig       `mapstructure:"serial"`
	VISA        VISAConfig         `mapstructure:"visa"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
	Drivers     DriverConfig       `mapstructure:"drivers"`
	App         AppConfig          `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DiscoveryConfig represents probe timing
type DiscoveryConfig struct {
	SettleTime     time.Duration `mapstructure:"settle_time"`
	ReadSize       int           `mapstructure:"read_size"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// SerialConfig represents serial line settings
type SerialConfig struct {
	BaudRates []int  `mapstructure:"baud_rates"`
	DataBits  int    `mapstructure:"data_bits"`
	StopBits  int    `mapstructure:"stop_bits"`
	Parity    string `mapstructure:"parity"`
}

// VISAConfig represents VISA resource settings
type VISAConfig struct {
	USBEnabled     bool          `mapstructure:"usb_enabled"`
	USBMaxTransfer int           `mapstructure:"usb_max_transfer"`
	USBAutoDetach  bool          `mapstructure:"usb_auto_detach"`
	TCPIPResources []string      `mapstructure:"tcpip_resources"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// InstrumentConfig describes an extra or overriding instrument descriptor.
// USB ids are hex strings such as "0403".
type InstrumentConfig struct {
	Model            string `mapstructure:"model"`
	Manufacturer     string `mapstructure:"manufacturer"`
	Type             string `mapstructure:"type"`
	Interface        string `mapstructure:"interface"`
	NameFragment     string `mapstructure:"name_fragment"`
	VendorID         string `mapstructure:"vendor_id"`
	ProductID        string `mapstructure:"product_id"`
	ProbeCmd         string `mapstructure:"probe_cmd"`
	SerialCmd        string `mapstructure:"serial_cmd"`
	ExpectedResponse string `mapstructure:"expected_response"`
	SerialPattern    string `mapstructure:"serial_pattern"`
	Speeds           []int  `mapstructure:"speeds"`
	Terminator       string `mapstructure:"terminator"`
}

// DriverConfig represents driver timing
type DriverConfig struct {
	CommandDelay time.Duration `mapstructure:"command_delay"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	OperationLog int           `mapstructure:"operation_log"`
	// OperationTimeout bounds one transaction or action
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// HealthInterval is how often live instrument health is logged; 0 disables it
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables. An empty
// configFile searches the default locations; a missing file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/instrument-service")
	}

	// Environment variable support
	v.SetEnvPrefix("INSTRUMENT_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Discovery defaults
	v.SetDefault("discovery.settle_time", "100ms")
	v.SetDefault("discovery.read_size", 100)
	v.SetDefault("discovery.probe_timeout", "500ms")
	v.SetDefault("discovery.session_timeout", "500ms")
	v.SetDefault("discovery.timeout", "2m")

	// Serial defaults
	v.SetDefault("serial.baud_rates", protocol.DefaultBaudRates)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")

	// VISA defaults
	v.SetDefault("visa.usb_enabled", true)
	v.SetDefault("visa.usb_max_transfer", 4096)
	v.SetDefault("visa.usb_auto_detach", true)
	v.SetDefault("visa.dial_timeout", "2s")

	// Driver defaults
	v.SetDefault("drivers.command_delay", "200ms")
	v.SetDefault("drivers.settle_delay", "3s")
	v.SetDefault("drivers.retry_count", 10)
	v.SetDefault("drivers.retry_delay", "100ms")
	v.SetDefault("drivers.operation_log", 200)
	v.SetDefault("drivers.operation_timeout", "30s")
	v.SetDefault("drivers.health_interval", "30s")

	// App defaults
	v.SetDefault("app.name", "instrument-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	for _, rate := range config.Serial.BaudRates {
		if rate <= 0 {
			return fmt.Errorf("serial.baud_rates: invalid rate %d", rate)
		}
	}
	if config.Discovery.ReadSize <= 0 {
		return fmt.Errorf("discovery.read_size must be positive")
	}

	for i, inst := range config.Instruments {
		if _, err := inst.Descriptor(); err != nil {
			return fmt.Errorf("instruments[%d]: %w", i, err)
		}
	}

	return nil
}

// Descriptor converts the entry into a validated instrument descriptor
func (ic InstrumentConfig) Descriptor() (model.Descriptor, error) {
	desc := model.Descriptor{
		Model:            ic.Model,
		Manufacturer:     ic.Manufacturer,
		Type:             ic.Type,
		Interface:        model.Interface(strings.ToUpper(ic.Interface)),
		NameFragment:     ic.NameFragment,
		ProbeCmd:         ic.ProbeCmd,
		SerialCmd:        ic.SerialCmd,
		ExpectedResponse: ic.ExpectedResponse,
		Speeds:           ic.Speeds,
		Terminator:       unescape(ic.Terminator),
	}

	var err error
	if desc.VendorID, err = parseUSBID(ic.VendorID); err != nil {
		return model.Descriptor{}, fmt.Errorf("vendor_id: %w", err)
	}
	if desc.ProductID, err = parseUSBID(ic.ProductID); err != nil {
		return model.Descriptor{}, fmt.Errorf("product_id: %w", err)
	}
	if ic.SerialPattern != "" {
		if desc.SerialPattern, err = regexp.Compile(ic.SerialPattern); err != nil {
			return model.Descriptor{}, fmt.Errorf("serial_pattern: %w", err)
		}
	}

	if err := desc.Validate(); err != nil {
		return model.Descriptor{}, err
	}
	return desc, nil
}

func parseUSBID(s string) (*gousb.ID, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid USB id %q", s)
	}
	return model.USBID(gousb.ID(v)), nil
}

// unescape turns the YAML-friendly "\r\n" spelling into control characters
func unescape(s string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(s)
}

// Catalog builds the built-in catalog with configured descriptors layered on top
func (c *Config) Catalog() (*model.Catalog, error) {
	descs := model.DefaultDescriptors()
	for i, inst := range c.Instruments {
		desc, err := inst.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
		descs = append(descs, desc)
	}
	return model.NewCatalog(descs...)
}

// BusConfig returns the bus settings for protocol.NewTransports
func (c *Config) BusConfig() *protocol.BusConfig {
	return &protocol.BusConfig{
		Serial: protocol.SerialConfig{
			DataBits:  c.Serial.DataBits,
			StopBits:  c.Serial.StopBits,
			Parity:    c.Serial.Parity,
			BaudRates: c.Serial.BaudRates,
		},
		USB: protocol.USBConfig{
			Enabled:     c.VISA.USBEnabled,
			MaxTransfer: c.VISA.USBMaxTransfer,
			AutoDetach:  c.VISA.USBAutoDetach,
			DebugLibUSB: c.App.Debug,
		},
		TCP: protocol.TCPConfig{
			Resources:   c.VISA.TCPIPResources,
			DialTimeout: c.VISA.DialTimeout,
		},
	}
}

// DiscoveryEngineConfig returns the probe timing for discovery.NewEngine
func (c *Config) DiscoveryEngineConfig() discovery.Config {
	return discovery.Config{
		SettleTime:     c.Discovery.SettleTime,
		ReadSize:       c.Discovery.ReadSize,
		ProbeTimeout:   c.Discovery.ProbeTimeout,
		SessionTimeout: c.Discovery.SessionTimeout,
	}
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
