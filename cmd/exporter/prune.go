package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"solana-validator-exporter/internal/config"
	"solana-validator-exporter/internal/logger"
	"solana-validator-exporter/internal/store"
	"solana-validator-exporter/pkg/solana"
)

func newPruneCmd(configPath *string) *cobra.Command {
	var offline, dropUnreadable bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove orphaned and expired entries from the cache",
		Long: `Prune removes validator records for identities that no longer have a vote
account, epoch summaries and rewards older than cache.epoch_retention epochs
and geo entries resolved more than geo.retention ago. The exporter must be stopped
since the cache file is locked while it runs.

With --offline the node is not queried, so only geo entries and unreadable
records are considered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := store.Open(cfg.Cache.Path, cfg.Cache.OpenTimeout)
			if err != nil {
				return err
			}
			defer st.Close()

			var node pruneNode
			if !offline {
				node = solana.NewClient(cfg.RPC.Endpoint, cfg.RPC.Timeout, cfg.RPC.MaxRetries)
			}

			stats, err := prune(cmd.Context(), st, node, cfg, time.Now(), dropUnreadable, logger.Get())
			if err != nil {
				return err
			}
			cmd.Printf("Pruned %d validator, %d epoch summary, %d rewards and %d geo entries (%d unreadable)\n",
				stats.Validators, stats.Epochs, stats.Rewards, stats.Geo, stats.Unreadable)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "do not query the node")
	cmd.Flags().BoolVar(&dropUnreadable, "drop-unreadable", true, "remove records that cannot be decoded")
	return cmd
}

// pruneNode is the node state prune needs to tell orphans apart.
type pruneNode interface {
	GetEpochInfo(ctx context.Context, commitment solana.Commitment) (*solana.EpochInfo, error)
	GetVoteAccounts(ctx context.Context, commitment solana.Commitment) (*solana.VoteAccounts, error)
}

// prune builds the options from config and, when node is non-nil, from the
// cluster's current epoch and vote accounts.
func prune(ctx context.Context, st *store.Store, node pruneNode, cfg *config.Config, now time.Time, dropUnreadable bool, log *zap.SugaredLogger) (store.PruneStats, error) {
	opts := store.PruneOptions{
		GeoResolvedBefore: now.Add(-cfg.Geo.Retention),
		DropUnreadable:    dropUnreadable,
	}

	if node != nil {
		commitment := solana.Commitment(cfg.RPC.Commitment)

		info, err := node.GetEpochInfo(ctx, commitment)
		if err != nil {
			return store.PruneStats{}, fmt.Errorf("fetch epoch info: %w", err)
		}
		if info.Epoch > cfg.Cache.EpochRetention {
			opts.MinEpoch = info.Epoch - cfg.Cache.EpochRetention
		}

		accounts, err := node.GetVoteAccounts(ctx, commitment)
		if err != nil {
			return store.PruneStats{}, fmt.Errorf("fetch vote accounts: %w", err)
		}
		opts.KeepValidators = make(map[string]struct{}, len(accounts.Current)+len(accounts.Delinquent))
		for _, va := range accounts.Current {
			opts.KeepValidators[va.NodePubkey] = struct{}{}
		}
		for _, va := range accounts.Delinquent {
			opts.KeepValidators[va.NodePubkey] = struct{}{}
		}
	}

	log.Infow("Pruning cache",
		"path", st.Path(),
		"min_epoch", opts.MinEpoch,
		"geo_resolved_before", opts.GeoResolvedBefore,
		"keep_validators", len(opts.KeepValidators))

	return st.Prune(opts)
}
