package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"golang.org/x/sync/singleflight"
)

// Handle publishes the current Config. Readers take a snapshot with Load and
// keep using it for the whole validation; Replace swaps in a new one without
// disturbing them.
type Handle struct {
	current atomic.Pointer[Config]
	group   singleflight.Group
}

// NewHandle resolves opts and returns a Handle holding the result.
func NewHandle(ctx context.Context, opts Options) (*Handle, error) {
	h := &Handle{}
	if _, err := h.Replace(ctx, opts); err != nil {
		return nil, err
	}
	return h, nil
}

// Load returns the current snapshot.
func (h *Handle) Load() *Config { return h.current.Load() }

// Replace resolves opts and installs the result. Concurrent calls with the
// same effective options share one resolution, and options identical to the
// current snapshot's return it unchanged. On error the previous snapshot
// stays in place.
//
// The result is installed only by a caller that is still waiting for it. If
// ctx ends first, Replace fails with autherr.ErrProviderUnavailable and the
// current snapshot is left as it was, even though the shared resolution may
// still complete in the background.
func (h *Handle) Replace(ctx context.Context, opts Options) (*Config, error) {
	fp := fingerprint(opts)
	if cur := h.current.Load(); cur != nil && cur.fingerprint == fp {
		return cur, nil
	}

	ch := h.group.DoChan(fp, func() (any, error) {
		if cur := h.current.Load(); cur != nil && cur.fingerprint == fp {
			return cur, nil
		}
		return Resolve(context.WithoutCancel(ctx), opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cfg := res.Val.(*Config)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: waiting for provider resolution: %v", autherr.ErrProviderUnavailable, ctx.Err())
		}
		h.current.Store(cfg)
		return cfg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for provider resolution: %v", autherr.ErrProviderUnavailable, ctx.Err())
	}
}
