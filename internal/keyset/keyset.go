// Package keyset resolves token signing keys by key id for one identity
// provider. Keys are held in immutable generations that are swapped
// atomically; a lookup miss triggers at most one refresh per generation no
// matter how many validations miss concurrently.
package keyset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/adfs-auth-go/internal/autherr"
	"github.com/ggoodman/adfs-auth-go/storage"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultRefreshInterval is the minimum spacing between refreshes caused
	// by unknown key ids once the first key set has been loaded.
	DefaultRefreshInterval = time.Minute
	// DefaultMaxAge bounds how long a fetched key set is trusted before it
	// is refreshed on next use.
	DefaultMaxAge = 24 * time.Hour
	// DefaultFetchTimeout bounds a single key set fetch.
	DefaultFetchTimeout = 5 * time.Second

	sharedNamespace = "jwks"
)

// Source fetches a JWKS document from the identity provider.
type Source interface {
	// Location identifies the source; it doubles as the shared cache key.
	Location() string
	// Fetch returns a JWKS JSON document. Failures wrap
	// autherr.ErrProviderUnavailable.
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSharedCache lets resolvers share fetched documents through s. Documents
// are written with a TTL equal to the max age.
func WithSharedCache(s storage.Storage) Option {
	return func(r *Resolver) { r.shared = s }
}

// WithLogger sets the logger used for refresh events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRefreshInterval sets the minimum spacing between miss-driven refreshes.
// Zero disables throttling.
func WithRefreshInterval(d time.Duration) Option {
	return func(r *Resolver) { r.refreshInterval = d }
}

// WithMaxAge sets how long a key set is used before it is considered stale.
func WithMaxAge(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithFetchTimeout bounds each network fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver maps key ids to public keys for a single provider. It is safe for
// concurrent use.
type Resolver struct {
	source          Source
	shared          storage.Storage
	log             *slog.Logger
	refreshInterval time.Duration
	maxAge          time.Duration
	timeout         time.Duration
	now             func() time.Time

	limiter *rate.Limiter
	group   singleflight.Group
	current atomic.Pointer[generation]
	fetches atomic.Int64
}

type generation struct {
	seq       uint64
	fetchedAt time.Time
	keys      jwkset.Storage // nil before the first load
}

// New builds a Resolver for src. No network traffic happens until the first
// lookup.
func New(src Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:          src,
		log:             slog.Default(),
		refreshInterval: DefaultRefreshInterval,
		maxAge:          DefaultMaxAge,
		timeout:         DefaultFetchTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	limit := rate.Inf
	if r.refreshInterval > 0 {
		limit = rate.Every(r.refreshInterval)
	}
	r.limiter = rate.NewLimiter(limit, 1)
	r.current.Store(&generation{})
	return r
}

// Location reports where keys are fetched from.
func (r *Resolver) Location() string { return r.source.Location() }

// Fetches reports how many network fetches the resolver has issued.
func (r *Resolver) Fetches() int64 { return r.fetches.Load() }

// Generation reports the sequence number of the key set currently in use.
// Zero means nothing has been loaded yet.
func (r *Resolver) Generation() uint64 { return r.current.Load().seq }

// Key returns the public key published under kid.
//
// On a miss the key set is refreshed once for the current generation and the
// lookup retried; a kid still absent afterwards yields autherr.ErrKeyNotFound.
// Fetch failures yield autherr.ErrProviderUnavailable. A stale key set whose
// refresh fails keeps serving the keys it has.
func (r *Resolver) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: empty key id", autherr.ErrKeyNotFound)
	}

	gen := r.current.Load()
	if key, ok := gen.lookup(ctx, kid); ok {
		if !gen.staleAt(r.now(), r.maxAge) {
			return key, nil
		}
		next, err := r.refresh(ctx, gen, kid)
		if err != nil {
			r.log.WarnContext(ctx, "keyset.refresh.stale",
				slog.String("source", r.source.Location()),
				slog.String("err", err.Error()))
			return key, nil
		}
		if key, ok := next.lookup(ctx, kid); ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: kid %q was withdrawn by %s", autherr.ErrKeyNotFound, kid, r.source.Location())
	}

	next, err := r.refresh(ctx, gen, kid)
	if err != nil {
		return nil, err
	}
	if key, ok := next.lookup(ctx, kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q not published by %s", autherr.ErrKeyNotFound, kid, r.source.Location())
}

// refresh replaces generation seen. Callers that observed the same generation
// share one flight; a caller holding an already superseded generation gets the
// current one without any fetch.
func (r *Resolver) refresh(ctx context.Context, seen *generation, kid string) (*generation, error) {
	ch := r.group.DoChan(strconv.FormatUint(seen.seq, 10), func() (any, error) {
		cur := r.current.Load()
		if cur.seq != seen.seq {
			return cur, nil
		}
		if cur.seq > 0 && !r.limiter.Allow() {
			r.log.DebugContext(ctx, "keyset.refresh.throttled",
				slog.String("source", r.source.Location()),
				slog.String("kid", kid))
			return cur, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		if next, ok := r.fromShared(fctx, cur, kid); ok {
			return next, nil
		}

		r.fetches.Add(1)
		raw, err := r.source.Fetch(fctx)
		if err != nil {
			return nil, err
		}
		next, err := r.install(cur, raw, r.now())
		if err != nil {
			return nil, err
		}
		r.toShared(fctx, raw)

		r.log.InfoContext(ctx, "keyset.refresh",
			slog.String("source", r.source.Location()),
			slog.Uint64("generation", next.seq),
			slog.Int("keys", next.count(fctx)))
		return next, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*generation), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for key set refresh: %v", autherr.ErrProviderUnavailable, ctx.Err())
	}
}

func (r *Resolver) install(cur *generation, raw json.RawMessage, fetchedAt time.Time) (*generation, error) {
	next, err := buildGeneration(cur.seq+1, raw, fetchedAt)
	if err != nil {
		return nil, err
	}
	if !r.current.CompareAndSwap(cur, next) {
		return r.current.Load(), nil
	}
	return next, nil
}

func buildGeneration(seq uint64, raw json.RawMessage, fetchedAt time.Time) (*generation, error) {
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key set document: %v", autherr.ErrProviderUnavailable, err)
	}
	return &generation{seq: seq, fetchedAt: fetchedAt, keys: kf.Storage()}, nil
}

// fromShared installs a document another resolver stored, provided it is
// newer than cur, still within max age and actually carries kid.
func (r *Resolver) fromShared(ctx context.Context, cur *generation, kid string) (*generation, bool) {
	if r.shared == nil {
		return nil, false
	}
	item, err := r.shared.Get(ctx, r.source.Location(), storage.WithNamespace(sharedNamespace))
	if err != nil {
		r.log.WarnContext(ctx, "keyset.shared.get", slog.String("err", err.Error()))
		return nil, false
	}
	if item == nil || item.Age() >= r.maxAge || !item.CreatedAt.After(cur.fetchedAt) {
		return nil, false
	}
	candidate, err := buildGeneration(cur.seq+1, item.Data, item.CreatedAt)
	if err != nil {
		return nil, false
	}
	if _, ok := candidate.lookup(ctx, kid); !ok {
		return nil, false
	}
	if !r.current.CompareAndSwap(cur, candidate) {
		return r.current.Load(), true
	}
	r.log.DebugContext(ctx, "keyset.shared.hit", slog.String("source", r.source.Location()))
	return candidate, true
}

func (r *Resolver) toShared(ctx context.Context, raw json.RawMessage) {
	if r.shared == nil {
		return
	}
	err := r.shared.Set(ctx, r.source.Location(), raw,
		storage.WithNamespace(sharedNamespace), storage.WithTTL(r.maxAge))
	if err != nil {
		r.log.WarnContext(ctx, "keyset.shared.set", slog.String("err", err.Error()))
	}
}

func (g *generation) lookup(ctx context.Context, kid string) (any, bool) {
	if g.keys == nil {
		return nil, false
	}
	jwk, err := g.keys.KeyRead(ctx, kid)
	if err != nil {
		return nil, false
	}
	return jwk.Key(), true
}

func (g *generation) staleAt(now time.Time, maxAge time.Duration) bool {
	return g.keys != nil && now.Sub(g.fetchedAt) >= maxAge
}

func (g *generation) count(ctx context.Context) int {
	if g.keys == nil {
		return 0
	}
	all, err := g.keys.KeyReadAll(ctx)
	if err != nil {
		return 0
	}
	return len(all)
}
