package deriver

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-validator-exporter/internal/metrics"
	"solana-validator-exporter/internal/rewards"
	"solana-validator-exporter/internal/store"
	"solana-validator-exporter/pkg/solana"
)

type trackerFunc func(ctx context.Context, info solana.EpochInfo) (*rewards.Window, *store.EpochRewards, error)

func (f trackerFunc) Load(ctx context.Context, info solana.EpochInfo) (*rewards.Window, *store.EpochRewards, error) {
	return f(ctx, info)
}

func TestDerive_Rewards(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), store.DefaultFileName))
	d, _, _ := newDeriver(t, s, nil, Config{Whitelist: []string{"A", "B"}})

	older := &store.EpochRewards{Epoch: 10, StakingAPY: map[string]float64{"vote-A": 6}}
	fetched := &store.EpochRewards{
		Epoch: 11,
		Slot:  4_752_000,
		Validators: map[string]store.ValidatorReward{
			"vote-A": {Lamports: 1_500, PostBalance: 9_000},
			"vote-C": {Lamports: 900},
		},
		StakingAPY: map[string]float64{"vote-A": 8},
		FetchedAt:  t0,
	}
	d.TrackRewards(trackerFunc(func(_ context.Context, info solana.EpochInfo) (*rewards.Window, *store.EpochRewards, error) {
		assert.Equal(t, uint64(11), info.Epoch)
		return &rewards.Window{
			Current:  11,
			Lookback: 3,
			Epochs:   map[uint64]*store.EpochRewards{10: older, 11: fetched},
		}, fetched, nil
	}))

	set, err := d.Derive(context.Background(), snapshot(11, withAccounts(
		account("A", 11, 1, 1), account("B", 11, 1, 1), account("C", 11, 1, 1))))
	require.NoError(t, err)

	assert.Equal(t, 11.0, value(t, set, metrics.RewardsEpoch))
	assert.Equal(t, 1_500.0, value(t, set, metrics.ValidatorVoteRewards, "A", "vote-A"))
	assert.Equal(t, 8.0, value(t, set, metrics.ValidatorStakingAPY, "A", "vote-A"))
	assert.Equal(t, 7.0, value(t, set, metrics.ValidatorAverageStakingAPY, "A", "vote-A"))
	assert.False(t, set.Has(metrics.ValidatorVoteRewards, "B", "vote-B"))
	assert.False(t, set.Has(metrics.ValidatorAverageStakingAPY, "B", "vote-B"))
	assert.False(t, set.Has(metrics.ValidatorVoteRewards, "C", "vote-C"), "not selected")

	got, err := s.GetEpochRewards(11)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500), got.Validators["vote-A"].Lamports)
}

func TestDerive_RewardsFailureDegrades(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), store.DefaultFileName))
	d, _, _ := newDeriver(t, s, nil, Config{})

	cached := &store.EpochRewards{Epoch: 10, StakingAPY: map[string]float64{"vote-A": 6}}
	d.TrackRewards(trackerFunc(func(context.Context, solana.EpochInfo) (*rewards.Window, *store.EpochRewards, error) {
		return &rewards.Window{Current: 11, Lookback: 2, Epochs: map[uint64]*store.EpochRewards{10: cached}},
			nil, errors.New("getBlock: node rejected")
	}))

	set, err := d.Derive(context.Background(), snapshot(11, withAccounts(account("A", 11, 1, 1))))
	require.NoError(t, err)

	assert.Equal(t, 10.0, value(t, set, metrics.RewardsEpoch))
	assert.False(t, set.Has(metrics.ValidatorVoteRewards, "A", "vote-A"))
	assert.False(t, set.Has(metrics.ValidatorStakingAPY, "A", "vote-A"))
	assert.Equal(t, 6.0, value(t, set, metrics.ValidatorAverageStakingAPY, "A", "vote-A"))
	assert.True(t, set.Has(metrics.ValidatorEpochCredits, "A", "vote-A"))

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts[store.NamespaceRewards])
}
