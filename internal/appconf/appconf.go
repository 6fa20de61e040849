package appconf

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func EnvFlagToEnvironment(env string) Environment {
	switch strings.ToLower(env) {
	case "production", "prod":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

// EnhancerConfig tunes the route enhancement of offers.
type EnhancerConfig struct {
	ReplaceStopsByTransitStops bool          `yaml:"replace_stops_by_transit_stops"`
	AddDropoffsAndPickups      bool          `yaml:"add_dropoffs_and_pickups"`
	ReplacementRadiusM         float64       `yaml:"replacement_radius_m" validate:"gte=0"`
	SimplifyTolerance          float64       `yaml:"simplify_tolerance" validate:"gte=0"`
	FirstStopMinGap            time.Duration `yaml:"first_stop_min_gap" validate:"gte=0"`
	StopMinGap                 time.Duration `yaml:"stop_min_gap" validate:"gte=0"`
	MinEndpointDistanceM       float64       `yaml:"min_endpoint_distance_m" validate:"gte=0"`
	MaxStops                   int           `yaml:"max_stops" validate:"gte=2,lte=100"`
	RoutingTimeout             time.Duration `yaml:"routing_timeout" validate:"gt=0"`
}

// ImportersConfig configures the agency importers.
type ImportersConfig struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	UserAgent   string        `yaml:"user_agent"`
	NOITestMode bool          `yaml:"noi_test_mode"`
	NOIURL      string        `yaml:"noi_url" validate:"omitempty,url"`
}

type NATSConfig struct {
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Config holds all the configuration settings of the service. It is read from a
// yaml file, overlaid with AMARILLO_* environment variables (a .env file is
// honoured) and validated.
type Config struct {
	Env                 string          `yaml:"env" validate:"omitempty,oneof=development test production"`
	Port                int             `yaml:"port" validate:"gte=0,lte=65535"`
	DataDir             string          `yaml:"data_dir" validate:"required"`
	ConfDir             string          `yaml:"conf_dir" validate:"required"`
	AdminToken          string          `yaml:"admin_token"`
	Timezone            string          `yaml:"timezone" validate:"required"`
	GraphhopperBaseURL  string          `yaml:"graphhopper_base_url" validate:"required,url"`
	StopSourcesFile     string          `yaml:"stop_sources_file"`
	MaxAgeDays          int             `yaml:"max_age_days" validate:"gt=0"`
	DailySyncTime       string          `yaml:"daily_sync_time" validate:"required"`
	SyncOnStartup       bool            `yaml:"sync_on_startup"`
	GTFSRTInterval      time.Duration   `yaml:"gtfsrt_interval" validate:"gt=0"`
	RealtimeHorizonDays int             `yaml:"realtime_horizon_days" validate:"gt=0"`
	RateLimit           int             `yaml:"rate_limit" validate:"gte=0"`
	Enhancer            EnhancerConfig  `yaml:"enhancer"`
	Importers           ImportersConfig `yaml:"importers"`
	NATS                NATSConfig      `yaml:"nats"`
}

var clockOfDay = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Default returns the configuration used for every key the yaml file omits.
func Default() Config {
	return Config{
		Env:                 "development",
		Port:                8080,
		DataDir:             "data",
		ConfDir:             "conf",
		Timezone:            "Europe/Berlin",
		GraphhopperBaseURL:  "https://api.mfdz.de/gh",
		StopSourcesFile:     filepath.Join("conf", "stop_sources.json"),
		MaxAgeDays:          180,
		DailySyncTime:       "23:00",
		GTFSRTInterval:      60 * time.Second,
		RealtimeHorizonDays: 14,
		RateLimit:           100,
		Enhancer: EnhancerConfig{
			AddDropoffsAndPickups: true,
			ReplacementRadiusM:    1000,
			SimplifyTolerance:     0.0001,
			FirstStopMinGap:       time.Second,
			StopMinGap:            5 * time.Second,
			MinEndpointDistanceM:  1000,
			MaxStops:              100,
			RoutingTimeout:        30 * time.Second,
		},
		Importers: ImportersConfig{
			Timeout:   60 * time.Second,
			UserAgent: "amarillo +https://github.com/mfdz/amarillo",
		},
		NATS: NATSConfig{
			SubjectPrefix: "amarillo",
		},
	}
}

// Load reads the yaml file at path (optional) on top of the defaults.
func Load(path string) (Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"AMARILLO_ENV":             &cfg.Env,
		"AMARILLO_ADMIN_TOKEN":     &cfg.AdminToken,
		"AMARILLO_GRAPHHOPPER_URL": &cfg.GraphhopperBaseURL,
		"AMARILLO_NATS_URL":        &cfg.NATS.URL,
		"AMARILLO_DATA_DIR":        &cfg.DataDir,
		"AMARILLO_STOP_SOURCES":    &cfg.StopSourcesFile,
		"AMARILLO_DAILY_SYNC_TIME": &cfg.DailySyncTime,
	}
	for key, target := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*target = v
		}
	}
}

func (cfg Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !clockOfDay.MatchString(cfg.DailySyncTime) {
		return fmt.Errorf("invalid config: daily_sync_time %q is not HH:MM", cfg.DailySyncTime)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	return nil
}

func (cfg Config) Environment() Environment {
	return EnvFlagToEnvironment(cfg.Env)
}

// Location returns the service time zone. Validate guarantees it loads.
func (cfg Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (cfg Config) AgencyDir() string     { return filepath.Join(cfg.ConfDir, "agency") }
func (cfg Config) RegionDir() string     { return filepath.Join(cfg.ConfDir, "region") }
func (cfg Config) AgencyConfDir() string { return filepath.Join(cfg.DataDir, "agencyconf") }
func (cfg Config) FeedDir() string       { return filepath.Join(cfg.DataDir, "gtfs") }

// MaxAge is the age after which an offer counts as outdated.
func (cfg Config) MaxAge() time.Duration {
	return time.Duration(cfg.MaxAgeDays) * 24 * time.Hour
}
