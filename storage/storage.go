// Package storage provides a small namespaced key/value interface used to
// share fetched identity provider documents (signing key sets) between
// authenticator instances and, with a networked backend, between replicas.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is implemented by cache backends.
type Storage interface {
	// Get retrieves data for a key within the selected namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns an error only for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a key within the selected namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a single key when WithKey is given, otherwise the
	// whole namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Age returns how long ago the item was written.
func (it *Item) Age() time.Duration {
	return time.Since(it.CreatedAt)
}

// Option configures storage operations.
type Option func(*Options)

// Options collects the per-call settings. Backends apply them via Apply.
type Options struct {
	Namespace string         // empty = global
	Key       *string        // Delete only
	TTL       *time.Duration // Set only
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithNamespace scopes an operation to a namespace such as "jwks".
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live for Set.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
