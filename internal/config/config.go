package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arhuman/lanserve/internal/logging"
	"github.com/arhuman/lanserve/internal/util"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for %s=%s: %s", e.Field, e.Value, e.Message)
}

// LoadError aggregates every validation failure found while loading.
type LoadError struct {
	Errs error
}

func (e *LoadError) Error() string {
	var errMsg strings.Builder
	errMsg.WriteString("Configuration validation failed:\n")
	for _, err := range multierr.Errors(e.Errs) {
		errMsg.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return errMsg.String()
}

func (e *LoadError) Unwrap() []error {
	return multierr.Errors(e.Errs)
}

// ConfigLoader provides unified configuration loading with priority handling
type ConfigLoader struct {
	envVars map[string]string
	flags   *pflag.FlagSet
	bound   map[string]string // env key -> flag name
	logger  *zap.Logger
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{
		envVars: make(map[string]string),
		bound:   make(map[string]string),
		logger:  zap.NewNop(),
	}
}

// WithLogger sets the logger for the config loader
func (cl *ConfigLoader) WithLogger(logger *zap.Logger) *ConfigLoader {
	if logger != nil {
		cl.logger = logger
	}
	return cl
}

// WithFlags attaches a parsed flag set. Flags only take precedence when
// they were explicitly set on the command line.
func (cl *ConfigLoader) WithFlags(flags *pflag.FlagSet) *ConfigLoader {
	cl.flags = flags
	return cl
}

// BindFlag associates an environment key with a command line flag name.
func (cl *ConfigLoader) BindFlag(key, flagName string) *ConfigLoader {
	cl.bound[key] = flagName
	return cl
}

// LoadEnvFile loads environment variables from a .env file
func (cl *ConfigLoader) LoadEnvFile(filename string) error {
	vars, err := godotenv.Read(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// File doesn't exist, not an error
			cl.logger.Debug("Environment file not found", zap.String("file", filename))
			return nil
		}
		return fmt.Errorf("error reading env file %s: %w", filename, err)
	}

	for k, v := range vars {
		cl.envVars[k] = v
	}

	cl.logger.Debug("Loaded environment file",
		zap.String("file", filename),
		zap.Int("variables", len(vars)))

	return nil
}

// GetString gets string value with priority: flags → env → file → default
func (cl *ConfigLoader) GetString(key, defaultValue string) string {
	if cl.flags != nil {
		if name, ok := cl.bound[key]; ok && cl.flags.Changed(name) {
			if f := cl.flags.Lookup(name); f != nil {
				return f.Value.String()
			}
		}
	}

	if value := os.Getenv(key); value != "" {
		return value
	}

	if value, exists := cl.envVars[key]; exists {
		return value
	}

	return defaultValue
}

// GetInt gets int value with validation
func (cl *ConfigLoader) GetInt(key string, defaultValue int) (int, error) {
	value := cl.GetString(key, "")
	if value == "" {
		return defaultValue, nil
	}

	intVal, err := strconv.Atoi(value)
	if err != nil {
		return 0, ValidationError{
			Field:   key,
			Value:   value,
			Message: "must be a valid integer",
		}
	}

	return intVal, nil
}

// GetIntInRange gets int value with range validation
func (cl *ConfigLoader) GetIntInRange(key string, defaultValue, min, max int) (int, error) {
	value, err := cl.GetInt(key, defaultValue)
	if err != nil {
		return 0, err
	}

	if value < min || value > max {
		return 0, ValidationError{
			Field:   key,
			Value:   strconv.Itoa(value),
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		}
	}

	return value, nil
}

// GetBool gets bool value with validation
func (cl *ConfigLoader) GetBool(key string, defaultValue bool) (bool, error) {
	value := cl.GetString(key, "")
	if value == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(value) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}

	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return false, ValidationError{
			Field:   key,
			Value:   value,
			Message: "must be true/false, 1/0, or yes/no",
		}
	}

	return boolVal, nil
}

// GetDuration gets a positive duration value with validation
func (cl *ConfigLoader) GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := cl.GetString(key, "")
	if value == "" {
		return defaultValue, nil
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		// Plain numbers are read as seconds
		seconds, convErr := strconv.Atoi(value)
		if convErr != nil {
			return 0, ValidationError{
				Field:   key,
				Value:   value,
				Message: "must be a valid duration (e.g., '10s', '5m') or number of seconds",
			}
		}
		duration = time.Duration(seconds) * time.Second
	}

	if duration <= 0 {
		return 0, ValidationError{
			Field:   key,
			Value:   value,
			Message: "must be greater than zero",
		}
	}

	return duration, nil
}

// ValidateRequired ensures a required field is not empty
func (cl *ConfigLoader) ValidateRequired(key, value string) error {
	if value == "" {
		return ValidationError{
			Field:   key,
			Value:   value,
			Message: "is required and cannot be empty",
		}
	}
	return nil
}

// ValidateIP ensures value is a literal IPv4 or IPv6 address
func (cl *ConfigLoader) ValidateIP(key, value string) error {
	if net.ParseIP(value) == nil {
		return ValidationError{
			Field:   key,
			Value:   value,
			Message: "must be a valid IPv4 or IPv6 address",
		}
	}
	return nil
}

// ValidateBindAddress accepts an IP literal or a hostname (without port)
func (cl *ConfigLoader) ValidateBindAddress(key, value string) error {
	if value == "" {
		return ValidationError{
			Field:   key,
			Value:   value,
			Message: "bind address cannot be empty",
		}
	}

	if net.ParseIP(value) != nil {
		return nil
	}

	if strings.Contains(value, ":") {
		return ValidationError{
			Field:   key,
			Value:   value,
			Message: "should contain only an IP or hostname, not host:port format",
		}
	}

	return nil
}

// ValidateURLPath ensures an optional path is absolute
func (cl *ConfigLoader) ValidateURLPath(key, value string) error {
	if value == "" {
		return nil
	}
	if !strings.HasPrefix(value, "/") || value == "/" {
		return ValidationError{
			Field:   key,
			Value:   value,
			Message: "must start with '/' and must not be the root path",
		}
	}
	return nil
}

// ServerConfig holds configuration for the HTTPS file server. It is built
// once at startup and must not be mutated afterwards.
type ServerConfig struct {
	BindAddress       string
	Port              int // 0 asks the system for a free port
	Directory         string
	CertFile          string
	KeyFile           string
	ServerIP          string // embedded in the certificate subject and SAN
	TrustExisting     bool   // skip validation of existing cert/key files
	MaxConnections    int
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MetricsPath       string
	Debug             bool
}

// DefaultServerConfig returns default configuration for the server.
// ServerIP is left empty and resolved from the host interfaces on load.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		BindAddress:       "0.0.0.0",
		Port:              8000,
		Directory:         "dist",
		CertFile:          "cert.pem",
		KeyFile:           "key.pem",
		ServerIP:          "",
		TrustExisting:     false,
		MaxConnections:    256,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MetricsPath:       "",
		Debug:             false,
	}
}

// flag name for every environment key
var flagBindings = map[string]string{
	"LANSERVE_BIND":                "bind",
	"LANSERVE_PORT":                "port",
	"LANSERVE_DIR":                 "dir",
	"LANSERVE_CERT_FILE":           "cert-file",
	"LANSERVE_KEY_FILE":            "key-file",
	"LANSERVE_SERVER_IP":           "server-ip",
	"LANSERVE_TRUST_EXISTING":      "trust-existing",
	"LANSERVE_MAX_CONNECTIONS":     "max-connections",
	"LANSERVE_READ_HEADER_TIMEOUT": "read-header-timeout",
	"LANSERVE_READ_TIMEOUT":        "read-timeout",
	"LANSERVE_WRITE_TIMEOUT":       "write-timeout",
	"LANSERVE_IDLE_TIMEOUT":        "idle-timeout",
	"LANSERVE_SHUTDOWN_TIMEOUT":    "shutdown-timeout",
	"LANSERVE_METRICS_PATH":        "metrics-path",
	"DEBUG":                        "debug",
}

// RegisterFlags declares the server flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultServerConfig()
	fs.String("bind", d.BindAddress, "Address to bind the listener to")
	fs.Int("port", d.Port, "TCP port to listen on (0 for system-assigned)")
	fs.String("dir", d.Directory, "Document root to serve")
	fs.String("cert-file", d.CertFile, "PEM certificate file")
	fs.String("key-file", d.KeyFile, "PEM RSA private key file")
	fs.String("server-ip", d.ServerIP, "IP address embedded in the certificate (default: first LAN address)")
	fs.Bool("trust-existing", d.TrustExisting, "Use existing cert/key files without validating them")
	fs.Int("max-connections", d.MaxConnections, "Maximum number of concurrent connections")
	fs.Duration("read-header-timeout", d.ReadHeaderTimeout, "Time allowed to read request headers")
	fs.Duration("read-timeout", d.ReadTimeout, "Time allowed to read a whole request")
	fs.Duration("write-timeout", d.WriteTimeout, "Time allowed to write a response")
	fs.Duration("idle-timeout", d.IdleTimeout, "Keep-alive idle timeout")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "Grace period for in-flight requests on shutdown")
	fs.String("metrics-path", d.MetricsPath, "Serve Prometheus metrics at this path (disabled when empty)")
	fs.Bool("debug", d.Debug, "Enable debug mode")
	fs.String("env-file", ".env", "Environment file to read")
}

// LoadServerConfig loads server configuration with validation. flags may be
// nil, in which case only the environment and the .env file are consulted.
func LoadServerConfig(flags *pflag.FlagSet, logger *zap.Logger) (*ServerConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger, start := logging.FuncLogger(logger, "LoadServerConfig")
	defer logging.FuncExit(logger, start)

	loader := NewConfigLoader().WithLogger(logger).WithFlags(flags)
	for key, name := range flagBindings {
		loader.BindFlag(key, name)
	}

	envFile := ".env"
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	if err := loader.LoadEnvFile(envFile); err != nil {
		return nil, fmt.Errorf("failed to load environment file: %w", err)
	}

	return buildServerConfig(loader)
}

func buildServerConfig(loader *ConfigLoader) (*ServerConfig, error) {
	config := DefaultServerConfig()
	var errs error

	config.BindAddress = loader.GetString("LANSERVE_BIND", config.BindAddress)
	errs = multierr.Append(errs, loader.ValidateBindAddress("LANSERVE_BIND", config.BindAddress))

	if port, err := loader.GetIntInRange("LANSERVE_PORT", config.Port, 0, 65535); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		config.Port = port
	}

	config.Directory = loader.GetString("LANSERVE_DIR", config.Directory)
	errs = multierr.Append(errs, loader.ValidateRequired("LANSERVE_DIR", config.Directory))

	config.CertFile = loader.GetString("LANSERVE_CERT_FILE", config.CertFile)
	errs = multierr.Append(errs, loader.ValidateRequired("LANSERVE_CERT_FILE", config.CertFile))

	config.KeyFile = loader.GetString("LANSERVE_KEY_FILE", config.KeyFile)
	errs = multierr.Append(errs, loader.ValidateRequired("LANSERVE_KEY_FILE", config.KeyFile))

	if config.CertFile != "" && config.CertFile == config.KeyFile {
		errs = multierr.Append(errs, ValidationError{
			Field:   "LANSERVE_KEY_FILE",
			Value:   config.KeyFile,
			Message: "must differ from the certificate file",
		})
	}

	config.ServerIP = loader.GetString("LANSERVE_SERVER_IP", "")
	if config.ServerIP == "" {
		config.ServerIP = util.DetectLANAddress()
	}
	errs = multierr.Append(errs, loader.ValidateIP("LANSERVE_SERVER_IP", config.ServerIP))

	if trust, err := loader.GetBool("LANSERVE_TRUST_EXISTING", config.TrustExisting); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		config.TrustExisting = trust
	}

	if maxConns, err := loader.GetIntInRange("LANSERVE_MAX_CONNECTIONS", config.MaxConnections, 1, 65535); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		config.MaxConnections = maxConns
	}

	timeouts := []struct {
		key string
		dst *time.Duration
	}{
		{"LANSERVE_READ_HEADER_TIMEOUT", &config.ReadHeaderTimeout},
		{"LANSERVE_READ_TIMEOUT", &config.ReadTimeout},
		{"LANSERVE_WRITE_TIMEOUT", &config.WriteTimeout},
		{"LANSERVE_IDLE_TIMEOUT", &config.IdleTimeout},
		{"LANSERVE_SHUTDOWN_TIMEOUT", &config.ShutdownTimeout},
	}
	for _, to := range timeouts {
		if d, err := loader.GetDuration(to.key, *to.dst); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			*to.dst = d
		}
	}

	config.MetricsPath = loader.GetString("LANSERVE_METRICS_PATH", config.MetricsPath)
	errs = multierr.Append(errs, loader.ValidateURLPath("LANSERVE_METRICS_PATH", config.MetricsPath))

	if debug, err := loader.GetBool("DEBUG", config.Debug); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		config.Debug = debug
	}

	if errs != nil {
		return nil, &LoadError{Errs: errs}
	}

	return config, nil
}

// Address returns the host:port the listener binds to
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// IP returns the parsed server IP
func (c *ServerConfig) IP() net.IP {
	return net.ParseIP(c.ServerIP)
}

// URL returns the address clients should browse to
func (c *ServerConfig) URL() string {
	return util.FormatURL(c.ServerIP, c.Port)
}

// LogConfig logs the server configuration
func (c *ServerConfig) LogConfig(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("bind", c.BindAddress),
		zap.Int("port", c.Port),
		zap.String("directory", c.Directory),
		zap.String("cert_file", c.CertFile),
		zap.String("key_file", c.KeyFile),
		zap.String("server_ip", c.ServerIP),
		zap.Bool("trust_existing", c.TrustExisting),
		zap.Int("max_connections", c.MaxConnections),
		zap.Duration("read_header_timeout", c.ReadHeaderTimeout),
		zap.Duration("read_timeout", c.ReadTimeout),
		zap.Duration("write_timeout", c.WriteTimeout),
		zap.Duration("idle_timeout", c.IdleTimeout),
		zap.Duration("shutdown_timeout", c.ShutdownTimeout),
		zap.String("metrics_path", c.MetricsPath),
		zap.Bool("debug", c.Debug))
}
