// Package config reads service configuration from the environment.
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
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string
	JWTSecret string

	CORSAllowedOrigins []string
	// AdminEmails may call operator endpoints such as manual disbursement.
	AdminEmails []string

	MTN    MTNConfig
	Airtel AirtelConfig

	SettlementMaxAttempts int
	SettlementInterval    time.Duration
	PayoutResponseWait    time.Duration

	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	AnswerRateLimit int
}

type MTNConfig struct {
	BaseURL           string
	UserID            string
	APIKey            string
	PrimaryKey        string
	DisbursementKey   string
	TargetEnvironment string
	Currency          string
}

type AirtelConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Country      string
	Currency     string
}

var defaultOrigins = []string{
	"http://localhost:8081",
	"http://localhost:19006",
	"exp://localhost:8081",
}

var required = []string{
	"JWT_SECRET",
	"MTN_USER_ID",
	"MTN_API_KEY",
	"MTN_PRIMARY_KEY",
	"AIRTEL_CLIENT_ID",
	"AIRTEL_CLIENT_SECRET",
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. It fails with one error naming every
// missing required variable.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	var missing []string
	for _, key := range required {
		if get(key, "") == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		Port:      get("PORT", "8000"),
		DBPath:    get("DB_PATH", "delipucash.db"),
		LogLevel:  get("LOG_LEVEL", "info"),
		LogFormat: get("LOG_FORMAT", "text"),
		JWTSecret: get("JWT_SECRET", ""),
		MTN: MTNConfig{
			BaseURL:           strings.TrimRight(get("MTN_BASE_URL", "https://sandbox.momodeveloper.mtn.com"), "/"),
			UserID:            get("MTN_USER_ID", ""),
			APIKey:            get("MTN_API_KEY", ""),
			PrimaryKey:        get("MTN_PRIMARY_KEY", ""),
			TargetEnvironment: get("MTN_TARGET_ENVIRONMENT", "sandbox"),
			Currency:          get("MTN_CURRENCY", "EUR"),
		},
		Airtel: AirtelConfig{
			BaseURL:      strings.TrimRight(get("AIRTEL_BASE_URL", "https://openapiuat.airtel.africa"), "/"),
			ClientID:     get("AIRTEL_CLIENT_ID", ""),
			ClientSecret: get("AIRTEL_CLIENT_SECRET", ""),
			Country:      get("AIRTEL_COUNTRY", "UG"),
			Currency:     get("AIRTEL_CURRENCY", "UGX"),
		},
	}
	cfg.MTN.DisbursementKey = get("MTN_DISBURSEMENT_KEY", cfg.MTN.PrimaryKey)

	cfg.CORSAllowedOrigins = listVar(get("CORS_ALLOWED_ORIGINS", ""))
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = append([]string(nil), defaultOrigins...)
	}
	cfg.AdminEmails = listVar(get("ADMIN_EMAILS", ""))

	var errs []error
	cfg.SettlementMaxAttempts = intVar(get, "SETTLEMENT_MAX_ATTEMPTS", 10, &errs)
	cfg.SettlementInterval = durationVar(get, "SETTLEMENT_INTERVAL", 3*time.Second, &errs)
	cfg.PayoutResponseWait = durationVar(get, "PAYOUT_RESPONSE_WAIT", 2*time.Second, &errs)
	cfg.ReconcileInterval = durationVar(get, "RECONCILE_INTERVAL", time.Minute, &errs)
	cfg.ReconcileStaleAfter = durationVar(get, "RECONCILE_STALE_AFTER", 5*time.Minute, &errs)
	cfg.AnswerRateLimit = intVar(get, "ANSWER_RATE_LIMIT", 30, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return cfg, nil
}

func listVar(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intVar(get func(string, string) string, key string, def int, errs *[]error) int {
	raw := get(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: want a positive integer, got %q", key, raw))
		return def
	}
	return n
}

func durationVar(get func(string, string) string, key string, def time.Duration, errs *[]error) time.Duration {
	raw := get(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: want a positive duration, got %q", key, raw))
		return def
	}
	return d
}
