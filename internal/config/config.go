// Package config reads process configuration from ACTIVITYSYNC_* environment
// variables, optionally preloaded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/activitysync/internal/sources"
)

const envPrefix = "ACTIVITYSYNC_"

type Config struct {
	Addr            string
	JobStoreDSN     string
	ContentDSN      string
	ContentToken    string
	ReviewStateFile string
	SecretsFile     string
	SettingsFile    string

	BatchCap     int
	BatchDelay   time.Duration
	LeaseTTL     time.Duration
	JobRetention time.Duration

	JWTSecret string

	WebhookAutoPost      bool
	WebhookPostStatus    string
	WebhookMaxBodyBytes  int64
	WebhookRatePerSecond float64
	WebhookRateBurst     int

	LookupInterval time.Duration

	LogLevel  string
	LogFormat string

	LastFM       sources.LastFMConfig
	ListenBrainz sources.ListenBrainzConfig
	Foursquare   sources.FoursquareConfig
	Trakt        sources.TraktConfig
	Readwise     sources.ReadwiseConfig
	Pinboard     sources.PinboardConfig

	// Schedules maps a source ID to the cron spec of its recurring import.
	Schedules  map[sources.SourceID]string
	GCSchedule string
}

// Load reads envFile when given, then the environment. Variables already set
// in the environment win over the file. A missing envFile is not an error.
func Load(envFile string, logger logrus.FieldLogger) (Config, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	e := env{logger: logger}
	cfg := Config{
		Addr:            e.str("ADDR", ":8080"),
		JobStoreDSN:     e.str("JOB_STORE_DSN", "memory://"),
		ContentDSN:      e.str("CONTENT_DSN", "memory://"),
		ContentToken:    e.str("CONTENT_TOKEN", ""),
		ReviewStateFile: e.str("REVIEW_STATE_FILE", ""),
		SecretsFile:     e.str("SECRETS_FILE", ""),
		SettingsFile:    e.str("SETTINGS_FILE", ""),

		BatchCap:     e.intValue("BATCH_CAP", 100),
		BatchDelay:   e.duration("BATCH_DELAY", 2*time.Second),
		LeaseTTL:     e.duration("LEASE_TTL", 5*time.Minute),
		JobRetention: e.duration("JOB_RETENTION", 7*24*time.Hour),

		JWTSecret: e.str("JWT_SECRET", ""),

		WebhookAutoPost:      e.boolean("WEBHOOK_AUTO_POST", false),
		WebhookPostStatus:    e.str("WEBHOOK_POST_STATUS", "publish"),
		WebhookMaxBodyBytes:  e.int64Value("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		WebhookRatePerSecond: e.float("WEBHOOK_RATE_PER_SECOND", 0),
		WebhookRateBurst:     e.intValue("WEBHOOK_RATE_BURST", 10),

		LookupInterval: e.duration("LOOKUP_INTERVAL", time.Second),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "text"),

		LastFM: sources.LastFMConfig{
			APIKey: e.str("LASTFM_API_KEY", ""),
			User:   e.str("LASTFM_USER", ""),
		},
		ListenBrainz: sources.ListenBrainzConfig{
			User:  e.str("LISTENBRAINZ_USER", ""),
			Token: e.str("LISTENBRAINZ_TOKEN", ""),
		},
		Foursquare: sources.FoursquareConfig{Token: e.str("FOURSQUARE_TOKEN", "")},
		Trakt: sources.TraktConfig{
			ClientID:    e.str("TRAKT_CLIENT_ID", ""),
			AccessToken: e.str("TRAKT_TOKEN", ""),
			User:        e.str("TRAKT_USER", ""),
		},
		Readwise: sources.ReadwiseConfig{Token: e.str("READWISE_TOKEN", "")},
		Pinboard: sources.PinboardConfig{Token: e.str("PINBOARD_TOKEN", "")},

		Schedules:  map[sources.SourceID]string{},
		GCSchedule: e.str("GC_SCHEDULE", "@daily"),
	}
	for _, id := range []sources.SourceID{
		sources.SourceLastFM, sources.SourceListenBrainz, sources.SourceFoursquare,
		sources.SourceTrakt, sources.SourceReadwise, sources.SourcePinboard,
	} {
		if spec := e.str("SCHEDULE_"+strings.ToUpper(string(id)), ""); spec != "" {
			cfg.Schedules[id] = spec
		}
	}
	if cfg.BatchCap <= 0 {
		return Config{}, fmt.Errorf("%sBATCH_CAP must be positive, got %d", envPrefix, cfg.BatchCap)
	}
	return cfg, nil
}

// env reads prefixed variables. Invalid values log a warning and fall back.
type env struct {
	logger logrus.FieldLogger
}

func (e env) lookup(name string) (string, string) {
	key := envPrefix + name
	return key, strings.TrimSpace(os.Getenv(key))
}

func (e env) invalid(key, raw string, fallback any) {
	e.logger.WithFields(logrus.Fields{
		"variable": key,
		"value":    raw,
		"fallback": fallback,
	}).Warn("Invalid configuration value, using fallback")
}

func (e env) str(name, fallback string) string {
	if _, raw := e.lookup(name); raw != "" {
		return raw
	}
	return fallback
}

func (e env) intValue(name string, fallback int) int {
	key, raw := e.lookup(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e env) int64Value(name string, fallback int64) int64 {
	key, raw := e.lookup(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e env) float(name string, fallback float64) float64 {
	key, raw := e.lookup(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}

func (e env) duration(name string, fallback time.Duration) time.Duration {
	key, raw := e.lookup(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(key, raw, fallback.String())
		return fallback
	}
	return value
}

func (e env) boolean(name string, fallback bool) bool {
	key, raw := e.lookup(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(key, raw, fallback)
		return fallback
	}
	return value
}
