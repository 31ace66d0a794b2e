package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lighting-forecast/pkg/database"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Output    OutputConfig    `yaml:"output"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Cache     CacheConfig     `yaml:"cache"`
}

// DatabaseConfig holds PostgreSQL settings. Runs are only persisted when
// Enabled is set; otherwise the API server serves from memory.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// OrderConfig is the (p, d, q) order of the ARIMA model
type OrderConfig struct {
	P int `yaml:"p"`
	D int `yaml:"d"`
	Q int `yaml:"q"`
}

// ForecastConfig holds forecast engine parameters
type ForecastConfig struct {
	Horizon       int           `yaml:"horizon"`
	Order         OrderConfig   `yaml:"order"`
	MinPoints     int           `yaml:"min_points"`
	Workers       int           `yaml:"workers"`
	FitTimeout    time.Duration `yaml:"fit_timeout"`
	MaxIterations int           `yaml:"max_iterations"`
	Locale        string        `yaml:"locale"`
}

// IngestionConfig holds input settings
type IngestionConfig struct {
	InputPath string `yaml:"input_path"`
	Sheet     string `yaml:"sheet"`
}

// OutputConfig holds the paths of generated artifacts. Empty paths are skipped.
type OutputConfig struct {
	ForecastPath string `yaml:"forecast_path"`
	CleanPath    string `yaml:"clean_path"`
	ReportPath   string `yaml:"report_path"`
}

// InfluxDBConfig holds the optional time-series sink settings
type InfluxDBConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// CacheConfig holds the API query cache settings
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// LoadConfig builds the configuration from environment variables and then
// overlays the YAML file named by FORECAST_CONFIG, if any.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Enabled:         getEnvBool("DB_ENABLED", false),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "lighting"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", time.Minute),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Forecast: ForecastConfig{
			Horizon: getEnvInt("FORECAST_HORIZON", 6),
			Order: OrderConfig{
				P: getEnvInt("FORECAST_ORDER_P", 1),
				D: getEnvInt("FORECAST_ORDER_D", 1),
				Q: getEnvInt("FORECAST_ORDER_Q", 1),
			},
			MinPoints:     getEnvInt("FORECAST_MIN_POINTS", 3),
			Workers:       getEnvInt("FORECAST_WORKERS", runtime.NumCPU()),
			FitTimeout:    getEnvDuration("FORECAST_FIT_TIMEOUT", 10*time.Second),
			MaxIterations: getEnvInt("FORECAST_MAX_ITERATIONS", 1000),
			Locale:        getEnv("FORECAST_LOCALE", "es"),
		},
		Ingestion: IngestionConfig{
			InputPath: getEnv("INGEST_INPUT_PATH", "./data"),
			Sheet:     getEnv("INGEST_SHEET", ""),
		},
		Output: OutputConfig{
			ForecastPath: getEnv("OUTPUT_FORECAST_PATH", "pronostico_arima_por_cuenta_6_meses.xlsx"),
			CleanPath:    getEnv("OUTPUT_CLEAN_PATH", ""),
			ReportPath:   getEnv("OUTPUT_REPORT_PATH", ""),
		},
		InfluxDB: InfluxDBConfig{
			Enabled:     getEnvBool("INFLUXDB_ENABLED", false),
			URL:         getEnv("INFLUXDB_URL", "http://localhost:8086"),
			Token:       getEnv("INFLUX_TOKEN", ""),
			Org:         getEnv("INFLUXDB_ORG", "salp"),
			Bucket:      getEnv("INFLUXDB_BUCKET", "lighting-forecast"),
			Measurement: getEnv("INFLUXDB_MEASUREMENT", "consumption_forecast"),
		},
		Cache: CacheConfig{
			Size: getEnvInt("CACHE_SIZE", 256),
			TTL:  getEnvDuration("CACHE_TTL", time.Minute),
		},
	}

	if path := os.Getenv("FORECAST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// Postgres converts the section into the connection settings of pkg/database
func (d DatabaseConfig) Postgres() *database.Config {
	return &database.Config{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			errs = append(errs, errors.New("database host is required"))
		}
		if c.Database.MaxOpenConns < 1 {
			errs = append(errs, errors.New("database max_open_conns must be at least 1"))
		}
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb url and bucket are required when enabled"))
	}

	if err := c.Forecast.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// MinObservations is the smallest series the order can be fitted on
func (o OrderConfig) MinObservations() int {
	return o.D + o.P + 1
}

// Validate checks the forecast parameters
func (f ForecastConfig) Validate() error {
	var errs []error

	if f.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("forecast horizon must be positive, got %d", f.Horizon))
	}
	if f.Order.P < 0 || f.Order.D < 0 || f.Order.Q < 0 {
		errs = append(errs, fmt.Errorf("forecast order (%d,%d,%d) must be non-negative", f.Order.P, f.Order.D, f.Order.Q))
	}
	if need := f.Order.MinObservations(); f.MinPoints < need {
		errs = append(errs, fmt.Errorf("forecast min_points %d is below %d required by the order", f.MinPoints, need))
	}
	if f.Workers < 1 {
		errs = append(errs, fmt.Errorf("forecast workers must be at least 1, got %d", f.Workers))
	}
	if f.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("forecast max_iterations must be at least 1, got %d", f.MaxIterations))
	}
	if f.FitTimeout < 0 {
		errs = append(errs, errors.New("forecast fit_timeout must not be negative"))
	}
	switch strings.ToLower(f.Locale) {
	case "es", "en":
	default:
		errs = append(errs, fmt.Errorf("forecast locale %q is not supported", f.Locale))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
