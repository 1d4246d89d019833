// Package config loads service configuration from the environment, an
// optional .env file and an optional config file named by QR_CONFIG.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	DICOM    DICOMConfig    `mapstructure:"dicom"`
	Import   ImportConfig   `mapstructure:"import"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	LogLevel string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // memory or redis
}

// LogConfig selects the log level and format. File enables a rotating file
// sink next to stdout.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DICOMConfig is the local application entity and the engine timeouts.
type DICOMConfig struct {
	AETitle            string        `mapstructure:"ae_title"`
	Port               int           `mapstructure:"port"`
	Secure             bool          `mapstructure:"secure"`
	TLSCert            string        `mapstructure:"tls_cert"`
	TLSKey             string        `mapstructure:"tls_key"`
	TLSCA              string        `mapstructure:"tls_ca"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxPDULength       uint32        `mapstructure:"max_pdu_length"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ACSETimeout        time.Duration `mapstructure:"acse_timeout"`
	DIMSETimeout       time.Duration `mapstructure:"dimse_timeout"`
	MoveTimeout        time.Duration `mapstructure:"move_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace"`
	StoreDrainTimeout  time.Duration `mapstructure:"store_drain_timeout"`
	StorageRoot        string        `mapstructure:"storage_root"`
	ResultLimit        uint          `mapstructure:"result_limit"`
}

type ImportConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	Recursive          bool `mapstructure:"recursive"`
	RequireOriginal    bool `mapstructure:"require_original"`
	ExcludeLocalizer   bool `mapstructure:"exclude_localizer"`
	ExcludePreContrast bool `mapstructure:"exclude_pre_contrast"`
}

// NotifyConfig enables the RabbitMQ notifier when AMQPURL is set.
type NotifyConfig struct {
	AMQPURL string `mapstructure:"amqp_url"`
	Queue   string `mapstructure:"queue"`
}

var defaults = map[string]any{
	"server.host":          "0.0.0.0",
	"server.port":          8080,
	"server.read_timeout":  "30s",
	"server.write_timeout": "10m",

	"database.host":      "localhost",
	"database.port":      5432,
	"database.user":      "postgres",
	"database.password":  "",
	"database.name":      "dicom_qr",
	"database.sslmode":   "disable",
	"database.log_level": "warn",

	"redis.host":     "localhost",
	"redis.port":     6379,
	"redis.password": "",
	"redis.db":       0,
	"redis.prefix":   "dicom_qr",

	"cache.enabled": true,
	"cache.type":    "memory",

	"log.level":        "info",
	"log.format":       "json",
	"log.file":         "",
	"log.max_size_mb":  100,
	"log.max_backups":  5,
	"log.max_age_days": 30,

	"cors.allowed_origins": []string{"*"},
	"cors.allowed_methods": []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
	"cors.allowed_headers": []string{"Accept", "Authorization", "Content-Type", "X-Operator-ID"},

	"metrics.enabled": true,

	"dicom.ae_title":             "RIS_QR",
	"dicom.port":                 11112,
	"dicom.secure":               false,
	"dicom.tls_cert":             "",
	"dicom.tls_key":              "",
	"dicom.tls_ca":               "",
	"dicom.insecure_skip_verify": false,
	"dicom.max_pdu_length":       16384,
	"dicom.connect_timeout":      "10s",
	"dicom.acse_timeout":         "30s",
	"dicom.dimse_timeout":        "60s",
	"dicom.move_timeout":         "0s",
	"dicom.poll_interval":        "100ms",
	"dicom.cancel_grace":         "5s",
	"dicom.store_drain_timeout":  "30s",
	"dicom.storage_root":         "./data/incoming",
	"dicom.result_limit":         0,

	"import.enabled":              true,
	"import.recursive":            false,
	"import.require_original":     false,
	"import.exclude_localizer":    false,
	"import.exclude_pre_contrast": false,

	"notify.amqp_url": "",
	"notify.queue":    "dicom_qr_retrieve_completed",
}

// Load reads the configuration. Environment variables use the key with
// dots replaced by underscores, e.g. DICOM_AE_TITLE or NOTIFY_AMQP_URL.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("QR_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		errs = append(errs, fmt.Errorf("unsupported cache type %q", c.Cache.Type))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	if err := c.DICOM.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the local application entity.
func (d DICOMConfig) Validate() error {
	var errs []error
	if d.AETitle == "" || len(d.AETitle) > 16 {
		errs = append(errs, fmt.Errorf("local AE title %q must be 1 to 16 characters", d.AETitle))
	}
	if d.Port <= 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid DICOM port %d", d.Port))
	}
	if d.StorageRoot == "" {
		errs = append(errs, errors.New("storage root is required"))
	}
	if d.Secure && (d.TLSCert == "" || d.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key are required when secure"))
	}
	return errors.Join(errs...)
}

// TLSConfig builds the TLS configuration for secure associations. It
// returns nil when no certificate or CA is configured.
func (d DICOMConfig) TLSConfig() (*tls.Config, error) {
	if d.TLSCert == "" && d.TLSCA == "" && !d.Secure {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.InsecureSkipVerify,
	}
	if d.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(d.TLSCert, d.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if d.TLSCA != "" {
		pem, err := os.ReadFile(d.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", d.TLSCA)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}
