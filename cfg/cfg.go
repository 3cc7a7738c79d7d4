package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                  string
	Environment           string
	LogLevel              string
	DatabasePath          string
	DBQueryTimeout        time.Duration
	WALCheckpointInterval time.Duration
	TokenLength           int
	TokenRetries          int
	MaxTitleSize          int
	MaxPasteSize          int64
	TemplateDir           string
	StaticDir             string
	TemplateAutoreload    bool
	RedisURL              string
	RedisTLS              bool
	RedisUsername         string
	RedisPassword         Secret
	RedisTimeout          time.Duration
	RedisTLSServerName    string
	RedisTLSCACert        string
	RedisTLSDevCA         string
	LRUCacheSize          int
	CacheTTL              time.Duration
	RateLimit             RateLimitCfg
	TrustedProxies        []string
	MetricsUser           string
	MetricsPass           Secret
	ContextTimeout        time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "stat env file")
	}
	return errors.Wrap(godotenv.Load(path), "load env file")
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "sharebin.db")
	var err error
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.WALCheckpointInterval, err = getDuration("WAL_CHECKPOINT_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.TokenLength, err = getInt("TOKEN_LENGTH", 10)
	if err != nil {
		return nil, err
	}
	c.TokenRetries, err = getInt("TOKEN_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	c.MaxTitleSize, err = getInt("MAX_TITLE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.TemplateDir = getEnv("TEMPLATE_DIR", "")
	c.StaticDir = getEnv("STATIC_DIR", "")
	c.TemplateAutoreload = getEnv("TEMPLATE_AUTORELOAD", "false") == "true"
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.RedisTLSServerName = getEnv("REDIS_HOSTNAME", "")
	c.RedisTLSCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisTLSDevCA = getEnv("REDIS_TLS_DEV_CA", "")
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.CacheTTL, err = getDuration("CACHE_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DBQueryTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT must be positive")
	}
	if c.WALCheckpointInterval < time.Second {
		return errors.New("WAL_CHECKPOINT_INTERVAL must be at least 1s")
	}
	if c.TokenLength < 6 || c.TokenLength > 64 {
		return errors.New("TOKEN_LENGTH must be between 6 and 64")
	}
	if c.TokenRetries < 0 || c.TokenRetries > 10 {
		return errors.New("TOKEN_RETRIES must be between 0 and 10")
	}
	if c.MaxTitleSize <= 0 {
		return errors.New("MAX_TITLE_SIZE must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.TemplateAutoreload && c.TemplateDir == "" {
		return errors.New("TEMPLATE_AUTORELOAD requires TEMPLATE_DIR")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if !c.RedisTLS && (c.RedisTLSCACert != "" || c.RedisTLSDevCA != "" || c.RedisTLSServerName != "") {
		return errors.New("REDIS_HOSTNAME, REDIS_TLS_CA_CERT and REDIS_TLS_DEV_CA need REDIS_TLS=true")
	}
	if c.RedisTLSDevCA != "" && c.Environment == "production" {
		return errors.New("REDIS_TLS_DEV_CA is not allowed in production")
	}
	for key, path := range map[string]string{"REDIS_TLS_CA_CERT": c.RedisTLSCACert, "REDIS_TLS_DEV_CA": c.RedisTLSDevCA} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
