// Package deriver turns a Snapshot and the cached per-validator state into
// the metric set of one cycle. The cache writes of a cycle are staged and
// committed in one transaction once derivation has finished in time.
package deriver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"solana-validator-exporter/internal/collector"
	"solana-validator-exporter/internal/geo"
	"solana-validator-exporter/internal/metrics"
	"solana-validator-exporter/internal/modules/common"
	"solana-validator-exporter/internal/rewards"
	"solana-validator-exporter/internal/store"
	"solana-validator-exporter/pkg/solana"
)

const cacheAttempts = 2

// Cache is the part of the store the deriver reads and writes.
type Cache interface {
	GetValidator(identity string) (*store.ValidatorState, error)
	GetEpochSummary(epoch uint64, identity string) (*store.EpochSummary, error)
	Commit(b *store.Batch) error
}

// Resolver locates gossip IPs. Pending hands over the lookups to persist.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (geo.Location, error)
	Pending() []*store.GeoEntry
}

// RewardsTracker loads the rewards of the epochs up to the snapshot's.
type RewardsTracker interface {
	Load(ctx context.Context, info solana.EpochInfo) (*rewards.Window, *store.EpochRewards, error)
}

type Config struct {
	// StallSlotThreshold is how far the root slot must advance between two
	// cycles for the validator not to be reported stalled.
	StallSlotThreshold uint64
	GeoWorkers         int
	// Whitelist restricts per-validator metrics to these identities or vote
	// accounts. Empty means all.
	Whitelist       []string
	CacheRetryDelay time.Duration
	// SkipRate enables the leader slot and skip rate metrics.
	SkipRate bool
}

type Deriver struct {
	cache     Cache
	resolver  Resolver
	rewards   RewardsTracker
	cfg       Config
	whitelist map[string]struct{}
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	pool      pond.Pool

	// flagged holds validators skipped by the last completed Derive. Only
	// the single running cycle touches it.
	flagged map[string]struct{}
}

// New creates a Deriver. A nil resolver disables geography; a nil m skips
// self-instrumentation.
func New(cache Cache, resolver Resolver, cfg Config, clock clockwork.Clock, m *metrics.Metrics, logger *zap.SugaredLogger) *Deriver {
	if cfg.GeoWorkers <= 0 {
		cfg.GeoWorkers = 8
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var whitelist map[string]struct{}
	if len(cfg.Whitelist) > 0 {
		whitelist = make(map[string]struct{}, len(cfg.Whitelist))
		for _, id := range cfg.Whitelist {
			whitelist[id] = struct{}{}
		}
	}

	return &Deriver{
		cache:     cache,
		resolver:  resolver,
		cfg:       cfg,
		whitelist: whitelist,
		clock:     clock,
		metrics:   m,
		logger:    logger,
		pool:      pond.NewPool(cfg.GeoWorkers),
		flagged:   map[string]struct{}{},
	}
}

// TrackRewards enables the reward and staking yield metrics.
func (d *Deriver) TrackRewards(t RewardsTracker) {
	d.rewards = t
}

// Close stops the geography worker pool.
func (d *Deriver) Close() {
	d.pool.StopAndWait()
}

// Flagged returns the identities skipped by the last completed Derive.
func (d *Deriver) Flagged() []string {
	out := make([]string, 0, len(d.flagged))
	for id := range d.flagged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type skipError struct {
	operation string
	err       error
}

func (e *skipError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.operation, e.err)
}

func (e *skipError) Unwrap() error {
	return e.err
}

// staged is the output of one validator, held back until the cycle commits.
type staged struct {
	identity string
	samples  *metrics.DerivedMetricSet
	writes   bool
}

// Derive computes the metric set for snap. It returns an error only when ctx
// ends before the cycle's cache writes are committed, in which case nothing
// is written. Per-validator and per-node failures degrade the set instead.
func (d *Deriver) Derive(ctx context.Context, snap *collector.Snapshot) (*metrics.DerivedMetricSet, error) {
	set := metrics.NewDerivedMetricSet()
	d.deriveCluster(snap, set)

	if d.resolver != nil {
		// Lookups left by an abandoned cycle are not persisted.
		d.resolver.Pending()
	}

	var batch store.Batch
	var done []staged
	flagged := map[string]struct{}{}
	seen := map[string]struct{}{}
	for _, va := range snap.VoteAccounts {
		if !d.selected(va.Identity, va.VoteAccount) {
			continue
		}
		if _, dup := seen[va.Identity]; dup {
			d.logger.Debugw("Identity has several vote accounts, keeping the first",
				"identity", va.Identity,
				"vote_account", va.VoteAccount)
			continue
		}
		seen[va.Identity] = struct{}{}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, writes, err := d.deriveValidator(ctx, snap, va, &batch)
		if err == nil {
			done = append(done, staged{identity: va.Identity, samples: out, writes: writes})
			continue
		}

		var skip *skipError
		if !errors.As(err, &skip) {
			return nil, err
		}
		d.skip(flagged, va.Identity, skip)
	}

	d.deriveVersions(snap, set)

	if d.resolver != nil {
		d.deriveGeography(ctx, snap, set)
	}
	if d.rewards != nil {
		d.deriveRewards(ctx, snap, set, &batch)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.resolver != nil {
		for _, entry := range d.resolver.Pending() {
			batch.PutGeo(entry)
		}
	}

	if err := d.commit(ctx, &batch); err != nil {
		var skip *skipError
		if !errors.As(err, &skip) {
			return nil, err
		}
		// Nothing was written, so validators whose metrics depend on the
		// staged state are skipped.
		kept := done[:0]
		for _, v := range done {
			if v.writes {
				d.skip(flagged, v.identity, skip)
				continue
			}
			kept = append(kept, v)
		}
		done = kept
	}

	for _, v := range done {
		if _, was := d.flagged[v.identity]; was {
			d.logger.Infow("Validator recovered from skipped cycle", "identity", v.identity)
		}
		for _, s := range v.samples.Samples() {
			set.Set(s.Name, s.Value, s.LabelValues...)
		}
	}

	d.flagged = flagged
	if d.metrics != nil {
		d.metrics.FlaggedValidators.Set(float64(len(flagged)))
	}

	return set, nil
}

func (d *Deriver) skip(flagged map[string]struct{}, identity string, skip *skipError) {
	flagged[identity] = struct{}{}
	if d.metrics != nil {
		d.metrics.ValidatorsSkipped.WithLabelValues(skip.operation).Inc()
	}
	d.logger.Warnw("Skipping validator metrics for this cycle",
		"identity", identity,
		"operation", skip.operation,
		"error", skip.err)
}

// commit writes the batch in one transaction, retrying once. A failed commit
// leaves the cache as it was.
func (d *Deriver) commit(ctx context.Context, b *store.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	err := common.RetryWithTimeout(ctx, d.clock, cacheAttempts, d.cfg.CacheRetryDelay, func() error {
		return d.cache.Commit(b)
	})
	if err != nil && ctx.Err() == nil {
		err = &skipError{operation: "write", err: err}
	}
	return err
}

func (d *Deriver) selected(identity, voteAccount string) bool {
	if d.whitelist == nil {
		return true
	}
	if _, ok := d.whitelist[identity]; ok {
		return true
	}
	_, ok := d.whitelist[voteAccount]
	return ok
}

func (d *Deriver) deriveCluster(snap *collector.Snapshot, set *metrics.DerivedMetricSet) {
	set.Set(metrics.ClusterEpoch, float64(snap.EpochInfo.Epoch))
	set.Set(metrics.ClusterSlot, float64(snap.Slot))
	set.Set(metrics.ClusterBlockHeight, float64(snap.EpochInfo.BlockHeight))
	set.Set(metrics.ClusterEpochProgress, snap.EpochProgress())

	var current, delinquent int
	var currentStake, delinquentStake uint64
	for _, va := range snap.VoteAccounts {
		if va.Delinquent {
			delinquent++
			delinquentStake += va.ActivatedStake
		} else {
			current++
			currentStake += va.ActivatedStake
		}
	}
	set.Set(metrics.ClusterValidators, float64(current), "current")
	set.Set(metrics.ClusterValidators, float64(delinquent), "delinquent")
	set.Set(metrics.ClusterStake, float64(currentStake), "current")
	set.Set(metrics.ClusterStake, float64(delinquentStake), "delinquent")
}

func (d *Deriver) deriveVersions(snap *collector.Snapshot, set *metrics.DerivedMetricSet) {
	for _, node := range snap.Nodes {
		if node.Version == "" || !d.selected(node.Identity, "") {
			continue
		}
		set.Set(metrics.NodeVersionInfo, 1, node.Identity, node.Version)
	}
}

type record int

const (
	recordFound record = iota
	recordMissing
	// recordUnreadable is replaced by a new baseline.
	recordUnreadable
	// recordNewer was written by a newer release and is left alone.
	recordNewer
)

// readState returns the cached state and what was found in its place.
func (d *Deriver) readState(ctx context.Context, identity string) (state *store.ValidatorState, rec record, err error) {
	err = common.RetryWithTimeout(ctx, d.clock, cacheAttempts, d.cfg.CacheRetryDelay, func() error {
		s, err := d.cache.GetValidator(identity)
		switch {
		case err == nil:
			state, rec = s, recordFound
			return nil
		case errors.Is(err, store.ErrNotFound):
			rec = recordMissing
			return nil
		case errors.Is(err, store.ErrNewerSchema):
			rec = recordNewer
			d.logger.Warnw("Validator cache entry written by a newer release, leaving it untouched",
				"identity", identity,
				"error", err)
			return nil
		case errors.Is(err, store.ErrSchemaMismatch), errors.Is(err, store.ErrCorrupt):
			rec = recordUnreadable
			d.logger.Warnw("Unreadable validator cache entry, starting a new baseline",
				"identity", identity,
				"error", err)
			return nil
		default:
			return err
		}
	})
	if err != nil && ctx.Err() == nil {
		err = &skipError{operation: "read", err: err}
	}
	return state, rec, err
}

// deriveValidator returns the validator's samples and stages its cache writes
// in batch, reporting whether it staged any.
func (d *Deriver) deriveValidator(ctx context.Context, snap *collector.Snapshot, va collector.VoteAccount, batch *store.Batch) (*metrics.DerivedMetricSet, bool, error) {
	prev, rec, err := d.readState(ctx, va.Identity)
	if err != nil {
		return nil, false, err
	}

	now := d.clock.Now()
	epoch := snap.Epoch()
	labels := []string{va.Identity, va.VoteAccount}
	credits, _ := va.CreditsForEpoch(epoch)
	production := snap.BlockProduction[va.Identity]

	out := metrics.NewDerivedMetricSet()
	out.Set(metrics.ValidatorEpochCredits, float64(credits), labels...)
	out.Set(metrics.ValidatorActivatedStake, float64(va.ActivatedStake), labels...)
	out.Set(metrics.ValidatorCommission, float64(va.Commission), labels...)
	out.Set(metrics.ValidatorLastVote, float64(va.LastVote), labels...)
	out.Set(metrics.ValidatorRootSlot, float64(va.RootSlot), labels...)
	out.Set(metrics.ValidatorDelinquent, boolToFloat(va.Delinquent), labels...)
	if d.cfg.SkipRate {
		out.Set(metrics.ValidatorLeaderSlots, float64(production.LeaderSlots), labels...)
		out.Set(metrics.ValidatorBlocksProduced, float64(production.BlocksProduced), labels...)
		if scheduled, ok := snap.LeaderSchedule[va.Identity]; ok {
			out.Set(metrics.ValidatorScheduledSlots, float64(len(scheduled)), labels...)
		}
		if rate, ok := skipRate(production.BlocksProduced, production.LeaderSlots); ok {
			out.Set(metrics.ValidatorSkipRate, rate, labels...)
		}
	}

	next, closed := d.reconcile(prev, rec == recordUnreadable, va, epoch, credits, production, now, out, labels)
	if rec == recordNewer {
		next, closed = nil, nil
	}

	var previous *store.EpochSummary
	if closed != nil && closed.Epoch+1 == epoch {
		previous = closed
	} else if epoch > 0 {
		previous = d.previousEpoch(epoch-1, va.Identity)
	}
	if previous != nil {
		out.Set(metrics.ValidatorPreviousEpochCredits, float64(previous.Credits), labels...)
		if rate, ok := skipRate(previous.BlocksProduced, previous.LeaderSlots); ok && d.cfg.SkipRate {
			out.Set(metrics.ValidatorPreviousEpochSkipRate, rate, labels...)
		}
	}

	if closed != nil {
		batch.PutEpochSummary(closed)
	}
	if next != nil {
		batch.PutValidator(next)
	}
	return out, closed != nil || next != nil, nil
}

// reconcile computes the state to persist and, on an epoch crossing, the
// summary of the closed epoch. A nil state means nothing is written.
func (d *Deriver) reconcile(
	prev *store.ValidatorState,
	unreadable bool,
	va collector.VoteAccount,
	epoch, credits uint64,
	production collector.LeaderStats,
	now time.Time,
	out *metrics.DerivedMetricSet,
	labels []string,
) (*store.ValidatorState, *store.EpochSummary) {
	next := &store.ValidatorState{
		Identity:       va.Identity,
		LastEpoch:      epoch,
		LastCredits:    credits,
		LastRootSlot:   va.RootSlot,
		UpdatedAt:      now,
		RootAdvancedAt: now,
		BlocksProduced: production.BlocksProduced,
		SlotsAssigned:  production.LeaderSlots,
		Flagged:        unreadable,
	}

	if prev == nil {
		return next, nil
	}

	var closed *store.EpochSummary
	switch {
	case epoch == prev.LastEpoch:
		if credits >= prev.LastCredits {
			out.Set(metrics.ValidatorCreditsDelta, float64(credits-prev.LastCredits), labels...)
		} else {
			d.logger.Warnw("Epoch credits went backwards, reporting absolute value only",
				"identity", va.Identity,
				"epoch", epoch,
				"cached", prev.LastCredits,
				"reported", credits)
			next.LastCredits = prev.LastCredits
		}

	case epoch > prev.LastEpoch:
		out.Set(metrics.ValidatorCreditsDelta, float64(credits), labels...)

		final := prev.LastCredits
		if c, ok := va.CreditsForEpoch(prev.LastEpoch); ok && c >= final {
			final = c
		}
		closed = &store.EpochSummary{
			Epoch:          prev.LastEpoch,
			Identity:       va.Identity,
			Credits:        final,
			LeaderSlots:    prev.SlotsAssigned,
			BlocksProduced: prev.BlocksProduced,
			ClosedAt:       now,
		}

	default:
		d.logger.Warnw("Snapshot epoch is behind the cache, not updating state",
			"identity", va.Identity,
			"epoch", epoch,
			"cached_epoch", prev.LastEpoch)
		return nil, nil
	}

	if va.RootSlot <= prev.LastRootSlot {
		next.LastRootSlot = prev.LastRootSlot
	}
	// RootAdvancedAt only moves once the root clears the threshold, so the
	// stall duration keeps growing for as long as the validator is stalled.
	stalled := va.RootSlot <= prev.LastRootSlot+d.cfg.StallSlotThreshold
	if stalled {
		next.RootAdvancedAt = prev.RootAdvancedAt
		if next.RootAdvancedAt.IsZero() {
			next.RootAdvancedAt = prev.UpdatedAt
		}
	}

	if !prev.Flagged {
		out.Set(metrics.ValidatorStalled, boolToFloat(stalled), labels...)
		if !next.RootAdvancedAt.IsZero() {
			out.Set(metrics.ValidatorRootStallSeconds, now.Sub(next.RootAdvancedAt).Seconds(), labels...)
		}
	}

	return next, closed
}

func (d *Deriver) previousEpoch(epoch uint64, identity string) *store.EpochSummary {
	summary, err := d.cache.GetEpochSummary(epoch, identity)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Debugw("Previous epoch summary unavailable",
				"identity", identity,
				"epoch", epoch,
				"error", err)
		}
		return nil
	}
	return summary
}

// skipRate is 1 - produced/assigned, undefined when nothing was assigned.
func skipRate(produced, assigned uint64) (float64, bool) {
	ratio, ok := common.Ratio(produced, assigned)
	if !ok {
		return 0, false
	}
	if ratio > 1 {
		ratio = 1
	}
	return 1 - ratio, true
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
