package cache

import (
	"context"
	"fmt"

	"github.com/squirreldb/squirreldb/internal/logger"
)

// Mode selects how the cache feature is realized.
type Mode string

const (
	ModeBuiltin Mode = "builtin"
	ModeProxy   Mode = "proxy"
)

// Feature wraps either an Engine (builtin) or a Proxy (external Redis)
// behind the Start/Stop/IsRunning contract the feature registry expects,
// so callers never branch on mode themselves.
type Feature struct {
	mode   Mode
	engine *Engine
	proxy  *Proxy
}

func NewFeature(mode Mode, engineCfg Config, proxyCfg ProxyConfig, log logger.Logger) (*Feature, error) {
	switch mode {
	case ModeBuiltin, "":
		return &Feature{mode: ModeBuiltin, engine: NewEngine(engineCfg, log)}, nil
	case ModeProxy:
		return &Feature{mode: ModeProxy, proxy: NewProxy(proxyCfg, log)}, nil
	default:
		return nil, fmt.Errorf("cache: unknown mode %q", mode)
	}
}

func (f *Feature) Start(ctx context.Context) error {
	if f.mode == ModeProxy {
		return f.proxy.Start(ctx)
	}

	return f.engine.Start(ctx)
}

func (f *Feature) Stop(ctx context.Context) error {
	if f.mode == ModeProxy {
		return f.proxy.Stop(ctx)
	}

	return f.engine.Stop(ctx)
}

func (f *Feature) IsRunning() bool {
	if f.mode == ModeProxy {
		return f.proxy.IsRunning()
	}

	return f.engine.IsRunning()
}

// Engine returns the builtin engine, or nil in proxy mode.
func (f *Feature) Engine() *Engine { return f.engine }

// Proxy returns the redis proxy, or nil in builtin mode.
func (f *Feature) Proxy() *Proxy { return f.proxy }
