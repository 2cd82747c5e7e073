package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported database drivers. Names match the registered database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DatabaseConfig selects the SQL driver and DSN for one service.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// FlightSource maps a vendor XML file to the short source name stored with each row.
type FlightSource struct {
	File string
	Name string
}

// Config holds configuration for all four services loaded from YAML, .env and env.
// Each binary reads the sections it needs.
type Config struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled  bool
	CircuitBreakerFailures int
	CircuitBreakerCooldown time.Duration
	CircuitBreakerHalfOpen int

	HealthWindow     time.Duration
	DegradedErrorPct int

	// Shortener
	ShortenerPort        string
	ShortenerBaseURL     string
	ShortenerCodeLength  int
	ShortenerMaxAttempts int
	ShortenerDatabase    DatabaseConfig

	EventsEnabled bool
	KafkaBrokers  []string
	KafkaTopic    string

	// HN proxy
	ProxyPort     string
	ProxyUpstream string
	ProxyBaseURL  string
	ProxyTimeout  time.Duration

	// Weather
	WeatherPort          string
	WeatherAPIKey        string
	WeatherAPIURL        string
	WeatherAPITimeout    time.Duration
	WeatherLocationKey   string
	WeatherCurrentTTL    time.Duration
	WeatherHistoricalTTL time.Duration
	WeatherWarmInterval  time.Duration
	WeatherDatabase      DatabaseConfig

	CacheBackend          string // "in_memory" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	// Flights
	FlightsPort        string
	FlightsXMLDataDir  string
	FlightsOrigin      string
	FlightsDestination string
	FlightsSources     []FlightSource
	FlightsAllowReload bool
	FlightsDatabase    DatabaseConfig
}

type databaseSection struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type fileConfig struct {
	Server struct {
		RequestTimeout  string `yaml:"request_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			Cooldown         string `yaml:"cooldown"`
			HalfOpenMaxCalls int    `yaml:"half_open_max_calls"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Health struct {
		Window           string `yaml:"window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Shortener struct {
		Port        string          `yaml:"port"`
		BaseURL     string          `yaml:"base_url"`
		CodeLength  int             `yaml:"code_length"`
		MaxAttempts int             `yaml:"max_attempts"`
		Database    databaseSection `yaml:"database"`
	} `yaml:"shortener"`

	Events struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"events"`

	Proxy struct {
		Port     string `yaml:"port"`
		Upstream string `yaml:"upstream"`
		BaseURL  string `yaml:"base_url"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"proxy"`

	Weather struct {
		Port          string          `yaml:"port"`
		APIURL        string          `yaml:"api_url"`
		APITimeout    string          `yaml:"api_timeout"`
		LocationKey   string          `yaml:"location_key"`
		CurrentTTL    string          `yaml:"current_ttl"`
		HistoricalTTL string          `yaml:"historical_ttl"`
		WarmInterval  string          `yaml:"warm_interval"`
		Database      databaseSection `yaml:"database"`
	} `yaml:"weather"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Flights struct {
		Port        string `yaml:"port"`
		XMLDataDir  string `yaml:"xml_data_dir"`
		Origin      string `yaml:"origin"`
		Destination string `yaml:"destination"`
		Sources     []struct {
			File string `yaml:"file"`
			Name string `yaml:"name"`
		} `yaml:"sources"`
		AllowReload bool            `yaml:"allow_reload"`
		Database    databaseSection `yaml:"database"`
	} `yaml:"flights"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded into the environment first; variables already
// set win. The weather API key comes from WEATHER_API_KEY env or the secrets file and may be empty.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := loadDotEnv(filepath.Join(cwd, ".env")); err != nil {
		return nil, err
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 5*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Server.ShutdownTimeout, 30*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailures = cb.FailureThreshold
	if cfg.CircuitBreakerFailures <= 0 {
		cfg.CircuitBreakerFailures = 5
	}
	cfg.CircuitBreakerCooldown = parseDuration(cb.Cooldown, 30*time.Second)
	cfg.CircuitBreakerHalfOpen = cb.HalfOpenMaxCalls
	if cfg.CircuitBreakerHalfOpen <= 0 {
		cfg.CircuitBreakerHalfOpen = 1
	}

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.ShortenerPort = envOr("SHORTENER_PORT", fc.Shortener.Port, "8081")
	cfg.ShortenerBaseURL = strings.TrimRight(envOr("SHORTENER_BASE_URL", fc.Shortener.BaseURL, ""), "/")
	cfg.ShortenerCodeLength = fc.Shortener.CodeLength
	if cfg.ShortenerCodeLength <= 0 {
		cfg.ShortenerCodeLength = 6
	}
	cfg.ShortenerMaxAttempts = fc.Shortener.MaxAttempts
	if cfg.ShortenerMaxAttempts <= 0 {
		cfg.ShortenerMaxAttempts = 10
	}
	cfg.ShortenerDatabase = databaseFrom("SHORTENER", fc.Shortener.Database, "file:data/shortener.db")

	cfg.EventsEnabled = fc.Events.Enabled
	cfg.KafkaBrokers = fc.Events.Brokers
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	cfg.KafkaTopic = fc.Events.Topic
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "link-events"
	}

	cfg.ProxyPort = envOr("PROXY_PORT", fc.Proxy.Port, "8232")
	cfg.ProxyUpstream = strings.TrimRight(envOr("PROXY_UPSTREAM", fc.Proxy.Upstream, "https://news.ycombinator.com"), "/")
	cfg.ProxyBaseURL = strings.TrimRight(envOr("PROXY_BASE_URL", fc.Proxy.BaseURL, "http://127.0.0.1:"+cfg.ProxyPort), "/")
	cfg.ProxyTimeout = parseDuration(fc.Proxy.Timeout, 10*time.Second)

	cfg.WeatherPort = envOr("WEATHER_PORT", fc.Weather.Port, "8080")
	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		key, err := loadAPIKeyFromSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	cfg.WeatherAPIURL = strings.TrimRight(envOr("WEATHER_API_URL", fc.Weather.APIURL, "https://dataservice.accuweather.com"), "/")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.Weather.APITimeout, 5*time.Second)
	cfg.WeatherLocationKey = envOr("WEATHER_LOCATION_KEY", fc.Weather.LocationKey, "295954")
	cfg.WeatherCurrentTTL = parseDuration(fc.Weather.CurrentTTL, 300*time.Second)
	cfg.WeatherHistoricalTTL = parseDuration(fc.Weather.HistoricalTTL, 600*time.Second)
	cfg.WeatherWarmInterval = parseDurationOrZero(fc.Weather.WarmInterval, 0)
	cfg.WeatherDatabase = databaseFrom("WEATHER", fc.Weather.Database, "file:data/weather.db")

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.FlightsPort = envOr("FLIGHTS_PORT", fc.Flights.Port, "5000")
	cfg.FlightsXMLDataDir = envOr("XML_DATA_DIR", fc.Flights.XMLDataDir, "data/xml")
	cfg.FlightsOrigin = strings.ToUpper(envOr("", fc.Flights.Origin, "DXB"))
	cfg.FlightsDestination = strings.ToUpper(envOr("", fc.Flights.Destination, "BKK"))
	for _, s := range fc.Flights.Sources {
		cfg.FlightsSources = append(cfg.FlightsSources, FlightSource{
			File: strings.TrimSpace(s.File),
			Name: strings.TrimSpace(s.Name),
		})
	}
	if len(cfg.FlightsSources) == 0 {
		cfg.FlightsSources = []FlightSource{
			{File: "RS_Via-3.xml", Name: "via3"},
			{File: "RS_ViaOW.xml", Name: "viaow"},
		}
	}
	cfg.FlightsAllowReload = fc.Flights.AllowReload
	cfg.FlightsDatabase = databaseFrom("FLIGHTS", fc.Flights.Database, "file:data/flights.db")

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadAPIKeyFromSecrets returns weather_api_key from the secrets file, or "" when the file is absent.
func loadAPIKeyFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

// databaseFrom resolves a service's database section. {PREFIX}_DATABASE_DRIVER and
// {PREFIX}_DATABASE_DSN override the file; the default is a local SQLite file.
func databaseFrom(prefix string, sec databaseSection, defaultDSN string) DatabaseConfig {
	db := DatabaseConfig{
		Driver: strings.ToLower(envOr(prefix+"_DATABASE_DRIVER", sec.Driver, DriverSQLite)),
		DSN:    envOr(prefix+"_DATABASE_DSN", sec.DSN, ""),
	}
	if db.DSN == "" && db.Driver == DriverSQLite {
		db.DSN = defaultDSN
	}
	return db
}

// envOr returns the trimmed env var when set, else the file value, else def.
// An empty key skips the env lookup.
func envOr(key, fileVal, def string) string {
	if key != "" {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(fileVal); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Ensures WeatherAPITimeout is positive, RequestTimeout exceeds the upstream timeouts,
// and the cache backend and database drivers are known. Auto-adjusts RequestTimeout if needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather.api_timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	for name, db := range map[string]DatabaseConfig{
		"shortener": cfg.ShortenerDatabase,
		"weather":   cfg.WeatherDatabase,
		"flights":   cfg.FlightsDatabase,
	} {
		switch db.Driver {
		case DriverSQLite, DriverPostgres, DriverMySQL:
		default:
			return fmt.Errorf("%s.database.driver must be sqlite, postgres or mysql, got %q", name, db.Driver)
		}
		if db.DSN == "" {
			return fmt.Errorf("%s.database.dsn required for driver %s", name, db.Driver)
		}
	}
	if cfg.EventsEnabled && len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("events.brokers required when events.enabled is true")
	}
	if len(cfg.FlightsSources) < 2 {
		return fmt.Errorf("flights.sources needs two entries for diffing, got %d", len(cfg.FlightsSources))
	}
	seen := make(map[string]bool, len(cfg.FlightsSources))
	for _, s := range cfg.FlightsSources {
		if s.File == "" || s.Name == "" {
			return fmt.Errorf("flights.sources entries need file and name")
		}
		if seen[s.Name] {
			return fmt.Errorf("flights.sources name %q is duplicated", s.Name)
		}
		seen[s.Name] = true
	}
	return validateSourceKeys(cfg.FlightsSources)
}

// diffReservedKeys are the fixed JSON keys of diff and shared-route documents.
var diffReservedKeys = []string{
	"summary", "in_both", "in_both_with_differences",
	"route_key", "price_diff", "duration_diff_minutes",
}

// validateSourceKeys rejects source names whose diff JSON keys (the name,
// <name>_total and only_in_<name>) would overwrite a fixed key or a key
// derived from another source.
func validateSourceKeys(sources []FlightSource) error {
	owner := make(map[string]string)
	for _, k := range diffReservedKeys {
		owner[k] = ""
	}
	for _, s := range sources {
		for _, key := range []string{s.Name, s.Name + "_total", "only_in_" + s.Name} {
			prev, taken := owner[key]
			switch {
			case taken && prev == "":
				return fmt.Errorf("flights.sources name %q produces reserved key %q", s.Name, key)
			case taken:
				return fmt.Errorf("flights.sources name %q collides with %q on key %q", s.Name, prev, key)
			}
			owner[key] = s.Name
		}
	}
	return nil
}
