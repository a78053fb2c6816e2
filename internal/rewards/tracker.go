// Package rewards reads the inflation rewards paid at the start of each epoch
// and turns the staking rewards of selected stake accounts into a yield per
// vote account. A record, once fetched, never changes, so every epoch is
// fetched from the node at most once and kept in the cache.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"solana-validator-exporter/internal/store"
	"solana-validator-exporter/pkg/solana"
)

const (
	// Rewards are paid in the first block of an epoch. Blocks are searched
	// this many slots past the epoch's first slot.
	firstBlockSearch = 20

	DefaultLookback     = 5
	DefaultSlotDuration = 400 * time.Millisecond
)

// ErrNotPaid means the current epoch has no block yet to carry its rewards.
var ErrNotPaid = errors.New("epoch rewards not paid yet")

// RPC is the node API the tracker queries. *solana.Client implements it.
type RPC interface {
	GetBlocks(ctx context.Context, commitment solana.Commitment, startSlot, endSlot uint64) ([]uint64, error)
	GetBlockRewards(ctx context.Context, commitment solana.Commitment, slot uint64) ([]solana.Reward, error)
	GetStakeDelegations(ctx context.Context, commitment solana.Commitment, stakeAccounts []string) (map[string]string, error)
}

type Cache interface {
	GetEpochRewards(epoch uint64) (*store.EpochRewards, error)
}

type Config struct {
	// Lookback is the number of epochs, the current one included, averaged
	// into the staking yield.
	Lookback uint64
	// StakingAccounts are the stake accounts whose rewards yield the APY.
	// Empty means no APY is computed.
	StakingAccounts []string
	SlotDuration    time.Duration
}

// Window holds the rewards records of the lookback window that are known.
type Window struct {
	Current  uint64
	Lookback uint64
	Epochs   map[uint64]*store.EpochRewards
}

// Latest returns the record of the current epoch.
func (w *Window) Latest() (*store.EpochRewards, bool) {
	r, ok := w.Epochs[w.Current]
	return r, ok
}

// AverageAPY is the mean yield of vote over the known records of the window.
// A record without the vote account counts as zero. It is false when no
// record carries vote.
func (w *Window) AverageAPY(vote string) (float64, bool) {
	var sum float64
	var n int
	var seen bool
	for _, r := range w.Epochs {
		apy, ok := r.StakingAPY[vote]
		seen = seen || ok
		sum += apy
		n++
	}
	if !seen || n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

type Tracker struct {
	rpc     RPC
	cache   Cache
	cfg     Config
	staking map[string]struct{}
	clock   clockwork.Clock
	logger  *zap.SugaredLogger
}

func NewTracker(rpc RPC, cache Cache, cfg Config, clock clockwork.Clock, logger *zap.SugaredLogger) *Tracker {
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = DefaultSlotDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	staking := make(map[string]struct{}, len(cfg.StakingAccounts))
	for _, pk := range cfg.StakingAccounts {
		staking[pk] = struct{}{}
	}
	return &Tracker{
		rpc:     rpc,
		cache:   cache,
		cfg:     cfg,
		staking: staking,
		clock:   clock,
		logger:  logger,
	}
}

// Load returns the window ending at info.Epoch. At most one missing epoch is
// fetched per call, newest first, so a cold cache fills over several cycles.
// The fetched record, if any, is returned separately and is not persisted;
// that is up to the caller. When a fetch fails the cached part of the window
// is still returned along with the error.
func (t *Tracker) Load(ctx context.Context, info solana.EpochInfo) (*Window, *store.EpochRewards, error) {
	w := &Window{
		Current:  info.Epoch,
		Lookback: t.cfg.Lookback,
		Epochs:   make(map[uint64]*store.EpochRewards, t.cfg.Lookback),
	}

	var missing []uint64
	for i := uint64(0); i < t.cfg.Lookback && i <= info.Epoch; i++ {
		epoch := info.Epoch - i
		r, err := t.cache.GetEpochRewards(epoch)
		switch {
		case err == nil:
			w.Epochs[epoch] = r
		case errors.Is(err, store.ErrNewerSchema):
			t.logger.Debugw("Rewards record written by a newer release, leaving it alone", "epoch", epoch)
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrSchemaMismatch), errors.Is(err, store.ErrCorrupt):
			missing = append(missing, epoch)
		default:
			return nil, nil, err
		}
	}

	for _, epoch := range missing {
		r, err := t.fetch(ctx, info, epoch)
		if errors.Is(err, ErrNotPaid) {
			continue
		}
		if err != nil {
			return w, nil, fmt.Errorf("fetch epoch %d rewards: %w", epoch, err)
		}
		w.Epochs[epoch] = r
		return w, r, nil
	}
	return w, nil, nil
}

func (t *Tracker) fetch(ctx context.Context, info solana.EpochInfo, epoch uint64) (*store.EpochRewards, error) {
	start := info.StartSlot(epoch)
	end := start + firstBlockSearch
	current := epoch == info.Epoch
	if current && info.SlotIndex < firstBlockSearch {
		end = info.AbsoluteSlot
	}

	slots, err := t.rpc.GetBlocks(ctx, solana.CommitmentFinalized, start, end)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		if current {
			return nil, ErrNotPaid
		}
		return nil, fmt.Errorf("no block in slots %d-%d", start, end)
	}

	paid, err := t.rpc.GetBlockRewards(ctx, solana.CommitmentFinalized, slots[0])
	if err != nil {
		return nil, err
	}

	record := &store.EpochRewards{
		Epoch:      epoch,
		Slot:       slots[0],
		Validators: map[string]store.ValidatorReward{},
		StakingAPY: map[string]float64{},
		FetchedAt:  t.clock.Now(),
	}

	var staking []solana.Reward
	for _, r := range paid {
		switch r.RewardType {
		case solana.RewardVoting:
			reward := store.ValidatorReward{Lamports: r.Lamports, PostBalance: r.PostBalance}
			if r.Commission != nil {
				reward.Commission = *r.Commission
			}
			record.Validators[r.Pubkey] = reward
		case solana.RewardStaking:
			if _, ok := t.staking[r.Pubkey]; ok {
				staking = append(staking, r)
			}
		}
	}

	if len(staking) > 0 {
		if err := t.stakingAPY(ctx, info, staking, record); err != nil {
			return nil, err
		}
	}

	t.logger.Infow("Fetched epoch rewards",
		"epoch", epoch,
		"slot", record.Slot,
		"vote_accounts", len(record.Validators),
		"staking_apy", len(record.StakingAPY))
	return record, nil
}

// stakingAPY keeps, per vote account, the yield of the first positively
// rewarded stake account in key order.
func (t *Tracker) stakingAPY(ctx context.Context, info solana.EpochInfo, staking []solana.Reward, record *store.EpochRewards) error {
	sort.Slice(staking, func(i, j int) bool { return staking[i].Pubkey < staking[j].Pubkey })

	accounts := make([]string, len(staking))
	for i, r := range staking {
		accounts[i] = r.Pubkey
	}
	voters, err := t.rpc.GetStakeDelegations(ctx, solana.CommitmentFinalized, accounts)
	if err != nil {
		return err
	}

	epochsPerYear := (365 * 24 * time.Hour).Seconds() / (time.Duration(info.SlotsInEpoch) * t.cfg.SlotDuration).Seconds()
	for _, r := range staking {
		voter, ok := voters[r.Pubkey]
		if !ok {
			continue
		}
		if _, done := record.StakingAPY[voter]; done {
			continue
		}
		if apy, ok := StakingAPY(r.Lamports, r.PostBalance, epochsPerYear); ok {
			record.StakingAPY[voter] = apy
		}
	}
	return nil
}

// StakingAPY compounds the reward of one epoch over a year, in percent.
func StakingAPY(lamports int64, postBalance uint64, epochsPerYear float64) (float64, bool) {
	if lamports <= 0 || uint64(lamports) >= postBalance || epochsPerYear <= 0 {
		return 0, false
	}
	rate := float64(lamports) / float64(postBalance-uint64(lamports))
	return (math.Pow(1+rate, epochsPerYear) - 1) * 100, true
}
