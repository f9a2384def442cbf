package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"gangban/internal/api"
	"gangban/internal/chat"
	"gangban/internal/geo"
	"gangban/internal/session"
)

const EnvPrefix = "gangban"

var travelModes = []string{"walking", "transit", "driving"}

type Settings struct {
	APIBaseURL        string
	UserID            string
	Role              string
	HistoryLimit      int
	MaxResults        int
	TravelMode        string
	GeoURL            string
	GeoTimeout        time.Duration
	FallbackLatitude  float64
	FallbackLongitude float64
	RequestTimeout    time.Duration
	RateLimit         float64
	RateBurst         int
	LogLevel          string
	LogFormat         string
	LogFile           string
	WithCaller        bool
	AltScreen         bool
}

// BindFlags registers every setting as a flag with its default.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file (default ~/.gangban/config.yaml)")
	fs.String("api-base-url", api.DefaultBaseURL, "Backend base URL; /api is appended when missing")
	fs.String("user-id", "demo-user", "User id sent with every request")
	fs.String("role", chat.Companion.String(), "Initial role (companion|local_guide|study_guide)")
	fs.Int("history-limit", session.DefaultHistoryLimit, "Turns fetched per role on hydration")
	fs.Int("max-results", session.DefaultMaxResults, "Recommendations per local guide turn (3-5)")
	fs.String("travel-mode", session.DefaultTravelMode, "Travel mode for recommendations (walking|transit|driving)")
	fs.String("geo-url", "", "IP geolocation endpoint returning {latitude, longitude}; empty uses the fallback")
	fs.Duration("geo-timeout", geo.DefaultTimeout, "How long to wait for the location probe")
	fs.Float64("fallback-latitude", geo.HongKong.Latitude, "Latitude used when no location is available")
	fs.Float64("fallback-longitude", geo.HongKong.Longitude, "Longitude used when no location is available")
	fs.Duration("request-timeout", 60*time.Second, "HTTP timeout per backend request")
	fs.Float64("rate-limit", 0, "Max backend requests per second (0 disables)")
	fs.Int("rate-burst", 4, "Burst size for --rate-limit")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	fs.String("log-format", "text", "Log format (json, text)")
	fs.String("log-file", "", "Log file; the TUI only logs when this is set")
	fs.Bool("with-caller", false, "Log caller")
	fs.Bool("alt-screen", true, "Run the TUI on the alternate screen")
}

// Init wires env, .env and config-file lookup into v and binds fs.
func Init(v *viper.Viper, fs *pflag.FlagSet, configFile string) error {
	_ = godotenv.Load(".env")

	v.SetEnvPrefix(EnvPrefix)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gangban")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "gangban"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "read config")
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return errors.Wrap(err, "bind flags")
		}
	}
	return nil
}

func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		APIBaseURL:        v.GetString("api-base-url"),
		UserID:            v.GetString("user-id"),
		Role:              v.GetString("role"),
		HistoryLimit:      v.GetInt("history-limit"),
		MaxResults:        v.GetInt("max-results"),
		TravelMode:        v.GetString("travel-mode"),
		GeoURL:            v.GetString("geo-url"),
		GeoTimeout:        v.GetDuration("geo-timeout"),
		FallbackLatitude:  v.GetFloat64("fallback-latitude"),
		FallbackLongitude: v.GetFloat64("fallback-longitude"),
		RequestTimeout:    v.GetDuration("request-timeout"),
		RateLimit:         v.GetFloat64("rate-limit"),
		RateBurst:         v.GetInt("rate-burst"),
		LogLevel:          v.GetString("log-level"),
		LogFormat:         v.GetString("log-format"),
		LogFile:           v.GetString("log-file"),
		WithCaller:        v.GetBool("with-caller"),
		AltScreen:         v.GetBool("alt-screen"),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return errors.New("user-id must not be empty")
	}
	if _, err := chat.ParseRole(s.Role); err != nil {
		return errors.Wrap(err, "role")
	}
	if s.HistoryLimit < 1 || s.HistoryLimit > 200 {
		return errors.Errorf("history-limit must be between 1 and 200, got %d", s.HistoryLimit)
	}
	if s.MaxResults < 3 || s.MaxResults > 5 {
		return errors.Errorf("max-results must be between 3 and 5, got %d", s.MaxResults)
	}
	if !validTravelMode(s.TravelMode) {
		return errors.Errorf("travel-mode must be one of %s, got %q", strings.Join(travelModes, "|"), s.TravelMode)
	}
	if s.FallbackLatitude < -90 || s.FallbackLatitude > 90 {
		return errors.Errorf("fallback-latitude out of range: %v", s.FallbackLatitude)
	}
	if s.FallbackLongitude < -180 || s.FallbackLongitude > 180 {
		return errors.Errorf("fallback-longitude out of range: %v", s.FallbackLongitude)
	}
	if s.GeoTimeout < 0 || s.RequestTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if s.RateLimit < 0 {
		return errors.Errorf("rate-limit must not be negative, got %v", s.RateLimit)
	}
	return nil
}

func validTravelMode(mode string) bool {
	for _, candidate := range travelModes {
		if mode == candidate {
			return true
		}
	}
	return false
}

// InitialRole is the parsed Role setting. Settings must be valid.
func (s Settings) InitialRole() chat.Role {
	role, _ := chat.ParseRole(s.Role)
	return role
}

func (s Settings) Fallback() chat.Coordinates {
	return chat.Coordinates{Latitude: s.FallbackLatitude, Longitude: s.FallbackLongitude}
}

func (s Settings) SessionConfig() session.Config {
	return session.Config{
		UserID:            s.UserID,
		InitialRole:       s.InitialRole(),
		HistoryLimit:      s.HistoryLimit,
		MaxResults:        s.MaxResults,
		TravelMode:        s.TravelMode,
		CoordinateTimeout: s.GeoTimeout,
	}
}

type yamlView struct {
	APIBaseURL        string  `yaml:"api-base-url"`
	UserID            string  `yaml:"user-id"`
	Role              string  `yaml:"role"`
	HistoryLimit      int     `yaml:"history-limit"`
	MaxResults        int     `yaml:"max-results"`
	TravelMode        string  `yaml:"travel-mode"`
	GeoURL            string  `yaml:"geo-url"`
	GeoTimeout        string  `yaml:"geo-timeout"`
	FallbackLatitude  float64 `yaml:"fallback-latitude"`
	FallbackLongitude float64 `yaml:"fallback-longitude"`
	RequestTimeout    string  `yaml:"request-timeout"`
	RateLimit         float64 `yaml:"rate-limit"`
	RateBurst         int     `yaml:"rate-burst"`
	LogLevel          string  `yaml:"log-level"`
	LogFormat         string  `yaml:"log-format"`
	LogFile           string  `yaml:"log-file"`
	WithCaller        bool    `yaml:"with-caller"`
	AltScreen         bool    `yaml:"alt-screen"`
}

// YAML renders the settings in the config-file format, so the output can be
// saved as ~/.gangban/config.yaml.
func (s Settings) YAML() ([]byte, error) {
	view := yamlView{
		APIBaseURL:        s.APIBaseURL,
		UserID:            s.UserID,
		Role:              s.Role,
		HistoryLimit:      s.HistoryLimit,
		MaxResults:        s.MaxResults,
		TravelMode:        s.TravelMode,
		GeoURL:            s.GeoURL,
		GeoTimeout:        s.GeoTimeout.String(),
		FallbackLatitude:  s.FallbackLatitude,
		FallbackLongitude: s.FallbackLongitude,
		RequestTimeout:    s.RequestTimeout.String(),
		RateLimit:         s.RateLimit,
		RateBurst:         s.RateBurst,
		LogLevel:          s.LogLevel,
		LogFormat:         s.LogFormat,
		LogFile:           s.LogFile,
		WithCaller:        s.WithCaller,
		AltScreen:         s.AltScreen,
	}
	out, err := yaml.Marshal(view)
	if err != nil {
		return nil, errors.Wrap(err, "encode settings")
	}
	return out, nil
}
