package deriver

import (
	"context"

	"solana-validator-exporter/internal/collector"
	"solana-validator-exporter/internal/metrics"
	"solana-validator-exporter/internal/store"
)

// deriveRewards reports the latest vote rewards and the staking yield of the
// selected vote accounts. A failed load degrades to what the cache holds.
func (d *Deriver) deriveRewards(ctx context.Context, snap *collector.Snapshot, set *metrics.DerivedMetricSet, batch *store.Batch) {
	window, fetched, err := d.rewards.Load(ctx, snap.EpochInfo)
	if err != nil {
		d.logger.Warnw("Rewards unavailable for this cycle",
			"epoch", snap.Epoch(),
			"error", err)
	}
	if window == nil {
		return
	}
	if fetched != nil {
		batch.PutEpochRewards(fetched)
	}

	var newest uint64
	var known bool
	for epoch := range window.Epochs {
		if !known || epoch > newest {
			newest, known = epoch, true
		}
	}
	if !known {
		return
	}
	set.Set(metrics.RewardsEpoch, float64(newest))

	latest, ok := window.Latest()
	for _, va := range snap.VoteAccounts {
		if !d.selected(va.Identity, va.VoteAccount) {
			continue
		}
		labels := []string{va.Identity, va.VoteAccount}
		if ok {
			if r, paid := latest.Validators[va.VoteAccount]; paid {
				set.Set(metrics.ValidatorVoteRewards, float64(r.Lamports), labels...)
			}
			if apy, has := latest.StakingAPY[va.VoteAccount]; has {
				set.Set(metrics.ValidatorStakingAPY, apy, labels...)
			}
		}
		if avg, has := window.AverageAPY(va.VoteAccount); has {
			set.Set(metrics.ValidatorAverageStakingAPY, avg, labels...)
		}
	}
}
