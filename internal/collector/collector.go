// Package collector issues the RPC queries of one polling cycle and assembles
// their results into a Snapshot.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solana-validator-exporter/internal/modules/common"
	"solana-validator-exporter/pkg/solana"
)

// Query names, as reported in CollectionError.Failed.
const (
	QuerySlot            = "getSlot"
	QueryEpochInfo       = "getEpochInfo"
	QueryVoteAccounts    = "getVoteAccounts"
	QueryClusterNodes    = "getClusterNodes"
	QueryBlockProduction = "getBlockProduction"
	QueryLeaderSchedule  = "getLeaderSchedule"

	queryCount = 6
)

// RPC is the part of the node API a collection needs. *solana.Client
// implements it.
type RPC interface {
	GetSlot(ctx context.Context, commitment solana.Commitment) (uint64, error)
	GetEpochInfo(ctx context.Context, commitment solana.Commitment) (*solana.EpochInfo, error)
	GetVoteAccounts(ctx context.Context, commitment solana.Commitment) (*solana.VoteAccounts, error)
	GetClusterNodes(ctx context.Context) ([]solana.ClusterNode, error)
	GetBlockProduction(ctx context.Context, commitment solana.Commitment, firstSlot, lastSlot uint64) (*solana.BlockProduction, error)
	GetLeaderSchedule(ctx context.Context, commitment solana.Commitment, slot uint64) (solana.LeaderSchedule, error)
}

type ErrorKind int

const (
	// PartialData means at least one query failed permanently.
	PartialData ErrorKind = iota
	// Timeout means the shared deadline expired before all queries joined.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case PartialData:
		return "partial_data"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CollectionError is returned instead of a half-populated Snapshot.
type CollectionError struct {
	Kind   ErrorKind
	Failed []string
	Err    error
}

func (e *CollectionError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("collection %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("collection %s (%s): %v", e.Kind, strings.Join(e.Failed, ", "), e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

type queryError struct {
	query string
	err   error
}

type Collector struct {
	client     RPC
	commitment solana.Commitment
	production bool
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
}

func NewCollector(client RPC, commitment solana.Commitment, clock clockwork.Clock, logger *zap.SugaredLogger) *Collector {
	if commitment == "" {
		commitment = solana.CommitmentFinalized
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		client:     client,
		commitment: commitment,
		production: true,
		clock:      clock,
		logger:     logger,
	}
}

// SetBlockProduction turns the block production and leader schedule queries
// on or off. They are on by default.
func (c *Collector) SetBlockProduction(enabled bool) {
	c.production = enabled
}

// Collect runs all queries concurrently under a shared deadline. Block
// production and the leader schedule wait for the epoch info, every other
// query starts immediately. Transient RPC failures are retried inside the
// client; whatever still fails here is permanent for this cycle.
func (c *Collector) Collect(ctx context.Context, timeout time.Duration) (*Snapshot, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := c.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	failures := make(chan queryError, queryCount)

	run := func(query string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(gctx)
			if err == nil {
				return nil
			}
			// Stragglers cancelled because a sibling failed are not failures
			// of their own.
			if !(errors.Is(err, context.Canceled) && ctx.Err() == nil) {
				failures <- queryError{query: query, err: err}
			}
			return err
		})
	}

	// Each query fills a disjoint field.
	var (
		snap      Snapshot
		epochInfo *solana.EpochInfo
	)

	run(QuerySlot, func(ctx context.Context) error {
		slot, err := c.client.GetSlot(ctx, c.commitment)
		snap.Slot = slot
		return err
	})

	run(QueryVoteAccounts, func(ctx context.Context) error {
		accounts, err := c.client.GetVoteAccounts(ctx, c.commitment)
		if err != nil {
			return err
		}
		snap.VoteAccounts = voteAccountsFrom(accounts)
		return nil
	})

	run(QueryClusterNodes, func(ctx context.Context) error {
		nodes, err := c.client.GetClusterNodes(ctx)
		if err != nil {
			return err
		}
		snap.Nodes = nodesFrom(nodes)
		return nil
	})

	run(QueryEpochInfo, func(ctx context.Context) error {
		info, err := c.client.GetEpochInfo(ctx, c.commitment)
		if err != nil {
			return err
		}
		epochInfo = info
		if !c.production {
			return nil
		}
		first := info.FirstSlot()

		run(QueryBlockProduction, func(ctx context.Context) error {
			bp, err := c.client.GetBlockProduction(ctx, c.commitment, first, info.AbsoluteSlot)
			if err != nil {
				return err
			}
			snap.BlockProduction = productionFrom(bp)
			snap.ProductionRange = bp.Range
			return nil
		})

		run(QueryLeaderSchedule, func(ctx context.Context) error {
			schedule, err := c.client.GetLeaderSchedule(ctx, c.commitment, first)
			if err != nil {
				return err
			}
			snap.LeaderSchedule = schedule
			return nil
		})
		return nil
	})

	waitErr := g.Wait()
	close(failures)

	if waitErr != nil || ctx.Err() != nil {
		var failed []string
		errCh := make(chan error, queryCount)
		for f := range failures {
			failed = append(failed, f.query)
			errCh <- fmt.Errorf("%s: %w", f.query, f.err)
		}
		close(errCh)
		sort.Strings(failed)

		cerr := &CollectionError{Kind: PartialData, Failed: failed, Err: common.HandleErrors(errCh)}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cerr.Kind = Timeout
			if cerr.Err == nil {
				cerr.Err = ctx.Err()
			}
		} else if cerr.Err == nil {
			cerr.Err = waitErr
		}

		c.logger.Warnw("Snapshot collection failed",
			"kind", cerr.Kind.String(),
			"failed", failed,
			"duration", c.clock.Since(start),
			"error", cerr.Err)
		return nil, cerr
	}

	snap.EpochInfo = *epochInfo
	snap.CollectedAt = c.clock.Now()

	c.logger.Debugw("Snapshot collected",
		"slot", snap.Slot,
		"epoch", snap.EpochInfo.Epoch,
		"vote_accounts", len(snap.VoteAccounts),
		"nodes", len(snap.Nodes),
		"leaders", len(snap.BlockProduction),
		"duration", c.clock.Since(start))

	return &snap, nil
}
