package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/squirreldb/squirreldb/internal/logger"
)

// ProxyConfig configures cache proxy mode: rather than serving requests
// out of the builtin Keyspace, the feature forwards them to an external
// Redis deployment (spec §4.6 "proxy mode").
type ProxyConfig struct {
	URL string
}

// Proxy runs as the cache feature in proxy mode. It holds a live
// connection for health/lifecycle purposes; the actual per-command
// forwarding happens in the RESP-facing front end(s), which reach the
// underlying *redis.Client via Client().
type Proxy struct {
	cfg    ProxyConfig
	log    logger.Logger
	client *redis.Client
}

func NewProxy(cfg ProxyConfig, log logger.Logger) *Proxy {
	return &Proxy{cfg: cfg, log: log}
}

func (p *Proxy) Start(ctx context.Context) error {
	opts, err := redis.ParseURL(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("cache: parsing proxy redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: pinging proxy redis: %w", err)
	}

	p.client = client
	p.log.Infof("cache: proxying to external redis at %s", client.Options().Addr)

	return nil
}

func (p *Proxy) Stop(ctx context.Context) error {
	if p.client == nil {
		return nil
	}

	err := p.client.Close()
	p.client = nil

	return err
}

func (p *Proxy) IsRunning() bool {
	return p.client != nil
}

// Client returns the underlying go-redis client, or nil if the proxy
// hasn't started.
func (p *Proxy) Client() *redis.Client {
	return p.client
}
