// Package geo resolves gossip IPs to locations. Successful lookups are held
// until the caller takes them with Pending and persists them.
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"solana-validator-exporter/internal/store"
)

// ErrResolution is returned when neither the provider nor the cache can
// produce a location.
var ErrResolution = errors.New("geolocation unavailable")

type Location struct {
	CountryCode string
	City        string
	Latitude    float64
	Longitude   float64
}

// Provider performs the external IP lookup.
type Provider interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// Cache is the slice of the store the resolver reads.
type Cache interface {
	GetGeo(ip string) (*store.GeoEntry, error)
}

type Resolver struct {
	provider Provider
	cache    Cache
	ttl      time.Duration
	clock    clockwork.Clock
	logger   *zap.SugaredLogger
	group    singleflight.Group
	// pending holds lookups not yet taken by Pending.
	pending *xsync.Map[string, *store.GeoEntry]

	onResult func(outcome string)
}

func NewResolver(provider Provider, cache Cache, ttl time.Duration, clock clockwork.Clock, logger *zap.SugaredLogger) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		provider: provider,
		cache:    cache,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		pending:  xsync.NewMap[string, *store.GeoEntry](),
	}
}

// OnResult registers a callback receiving "hit", "lookup", "stale" or "failed"
// for every Resolve call.
func (r *Resolver) OnResult(fn func(outcome string)) {
	r.onResult = fn
}

func (r *Resolver) record(outcome string) {
	if r.onResult != nil {
		r.onResult(outcome)
	}
}

// Pending returns the lookups made since the previous call and forgets them.
// Only one caller may drain at a time.
func (r *Resolver) Pending() []*store.GeoEntry {
	var out []*store.GeoEntry
	r.pending.Range(func(ip string, entry *store.GeoEntry) bool {
		out = append(out, entry)
		r.pending.Delete(ip)
		return true
	})
	return out
}

func (r *Resolver) fresh(entry *store.GeoEntry) bool {
	return r.ttl <= 0 || r.clock.Since(entry.ResolvedAt) < r.ttl
}

// Resolve returns the cached location while it is younger than the TTL and
// otherwise asks the provider. When the provider fails an expired cache
// entry is still returned.
func (r *Resolver) Resolve(ctx context.Context, ip string) (Location, error) {
	if entry, ok := r.pending.Load(ip); ok && r.fresh(entry) {
		r.record("hit")
		return toLocation(entry), nil
	}

	cached, err := r.cache.GetGeo(ip)
	switch {
	case err == nil:
		if r.fresh(cached) {
			r.record("hit")
			return toLocation(cached), nil
		}
	case errors.Is(err, store.ErrNotFound):
		cached = nil
	default:
		r.logger.Warnw("Unreadable geo cache entry, resolving again", "ip", ip, "error", err)
		cached = nil
	}

	v, err, _ := r.group.Do(ip, func() (interface{}, error) {
		return r.lookup(ctx, ip)
	})
	if err == nil {
		r.record("lookup")
		return v.(Location), nil
	}

	if cached != nil {
		r.record("stale")
		r.logger.Debugw("Geo lookup failed, serving expired entry",
			"ip", ip,
			"resolved_at", cached.ResolvedAt,
			"error", err)
		return toLocation(cached), nil
	}

	r.record("failed")
	return Location{}, fmt.Errorf("%w: %s: %v", ErrResolution, ip, err)
}

func (r *Resolver) lookup(ctx context.Context, ip string) (Location, error) {
	loc, err := r.provider.Lookup(ctx, ip)
	if err != nil {
		return Location{}, err
	}

	r.pending.Store(ip, &store.GeoEntry{
		IP:          ip,
		CountryCode: loc.CountryCode,
		City:        loc.City,
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		ResolvedAt:  r.clock.Now(),
	})
	return loc, nil
}

func toLocation(e *store.GeoEntry) Location {
	return Location{
		CountryCode: e.CountryCode,
		City:        e.City,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
	}
}
