package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"os"
	"time"

	"sharebin/cfg"
	"sharebin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pasteKeyPrefix = "sharebin:paste:"

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

const defaultRedisTimeout = 2 * time.Second

// NewRedis connects and pings. c supplies credentials, TLS settings and the
// per-call timeout.
func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		if opt.TLSConfig, err = redisTLSConfig(opt.Addr, c); err != nil {
			return nil, errors.Wrap(err, "redis TLS config")
		}
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if pw := c.RedisPassword.Value(); pw != "" {
		opt.Password = pw
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &Redis{client: client, timeout: timeout}, nil
}

// redisTLSConfig pins TLS 1.3 and verifies against the configured CA, or the
// system pool when none is set. A development CA is appended on top.
func redisTLSConfig(addr string, c *cfg.Cfg) (*tls.Config, error) {
	serverName := c.RedisTLSServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil || host == "" {
			return nil, errors.New("REDIS_HOSTNAME is required when the redis address has no host")
		}
		serverName = host
	}
	var pool *x509.CertPool
	if c.RedisTLSCACert != "" {
		pool = x509.NewCertPool()
		if err := appendPEM(pool, c.RedisTLSCACert); err != nil {
			return nil, err
		}
	} else {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "load system cert pool")
		}
		pool = sys
	}
	if c.RedisTLSDevCA != "" {
		if c.Environment == "production" {
			return nil, errors.New("dev CA refused in production")
		}
		if err := appendPEM(pool, c.RedisTLSDevCA); err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: serverName,
		RootCAs:    pool,
	}, nil
}
func appendPEM(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read CA %s", path)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return errors.Errorf("no certificates in %s", path)
	}
	return nil
}

// CachePaste stores a read-through copy. Pastes never change, so the TTL
// only bounds memory.
func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, pasteKeyPrefix+p.Token, data, ttl).Err(), "set paste")
}

// GetPaste returns nil, nil on a cache miss.
func (r *Redis) GetPaste(ctx context.Context, token string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}
var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

// RateLimit counts a hit against key in a fixed window. A result above limit
// means the hit was rejected and not counted.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{"sharebin:rl:" + key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
