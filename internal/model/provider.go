package model

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/image-classify/internal/classify"
)

const acquisitionKey = "model"

// LoadFunc acquires the inference capability: downloads artifacts if needed
// and initializes the engine. Potentially long-running.
type LoadFunc func(ctx context.Context) (*Handle, error)

// Provider lazily acquires the model handle on first use and memoizes it.
// Concurrent callers share a single in-flight acquisition; a failed attempt
// leaves the provider unloaded so a later request retries from scratch.
type Provider struct {
	load   LoadFunc
	logger *zap.Logger
	flight singleflight.Group
	handle atomic.Pointer[Handle]
}

// NewProvider constructs a provider around the given load function.
func NewProvider(load LoadFunc, logger *zap.Logger) *Provider {
	return &Provider{
		load:   load,
		logger: logger.Named("model_provider"),
	}
}

// Get returns the memoized handle, triggering acquisition on first use.
// It blocks until the shared acquisition settles or ctx is done; an
// abandoned caller does not abort the load for the others.
func (p *Provider) Get(ctx context.Context) (*Handle, error) {
	if h := p.handle.Load(); h != nil {
		return h, nil
	}

	ch := p.flight.DoChan(acquisitionKey, func() (interface{}, error) {
		// The acquisition outcome is shared by every concurrent caller, so
		// it runs detached from any single caller's context.
		p.logger.Info("acquiring model")
		h, err := p.load(context.Background())
		if err != nil {
			p.logger.Error("model acquisition failed", zap.Error(err))
			return nil, classify.E(classify.KindModelLoad, err)
		}
		p.handle.Store(h)
		p.logger.Info("model ready",
			zap.String("version", h.Version),
			zap.Int("classes", len(h.Classes)))
		return h, nil
	})

	select {
	case <-ctx.Done():
		return nil, classify.E(classify.KindModelLoad, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

// Loaded reports whether a handle has been acquired.
func (p *Provider) Loaded() bool {
	return p.handle.Load() != nil
}

// Close releases the engine if one was acquired.
func (p *Provider) Close() error {
	if h := p.handle.Swap(nil); h != nil && h.Engine != nil {
		return h.Engine.Close()
	}
	return nil
}
