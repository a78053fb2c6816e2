package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PruneOptions selects what an explicit prune removes. Zero values keep
// everything of that kind.
type PruneOptions struct {
	// KeepValidators, when non-nil, is the set of identities whose
	// validator records survive. Everything else is an orphan.
	KeepValidators map[string]struct{}
	// MinEpoch drops epoch summaries and rewards of epochs strictly below it.
	MinEpoch uint64
	// GeoResolvedBefore drops geo entries resolved before this instant.
	GeoResolvedBefore time.Time
	// DropUnreadable removes records that fail to decode.
	DropUnreadable bool
}

type PruneStats struct {
	Validators int
	Geo        int
	Epochs     int
	Rewards    int
	Unreadable int
}

// Prune deletes the selected records in a single transaction.
func (s *Store) Prune(opts PruneOptions) (PruneStats, error) {
	var stats PruneStats

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		var doomed [][]byte
		// unreadable reports whether a record that failed to decode goes.
		unreadable := func(key []byte) bool {
			stats.Unreadable++
			if opts.DropUnreadable {
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return opts.DropUnreadable
		}

		err := scanValidators(b, func(key []byte, identity string, _ *ValidatorState, err error) error {
			if err != nil {
				if unreadable(key) {
					stats.Validators++
				}
				return nil
			}
			if opts.KeepValidators == nil {
				return nil
			}
			if _, keep := opts.KeepValidators[identity]; !keep {
				stats.Validators++
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = scanGeo(b, func(key []byte, _ string, entry *GeoEntry, err error) error {
			if err != nil {
				if unreadable(key) {
					stats.Geo++
				}
				return nil
			}
			if !opts.GeoResolvedBefore.IsZero() && entry.ResolvedAt.Before(opts.GeoResolvedBefore) {
				stats.Geo++
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = scanBucket(b, NamespaceEpoch, func(key, value []byte) error {
			summary, err := epochRecord(key, value)
			if err != nil {
				if unreadable(key) {
					stats.Epochs++
				}
				return nil
			}
			if summary.Epoch < opts.MinEpoch {
				stats.Epochs++
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = scanBucket(b, NamespaceRewards, func(key, value []byte) error {
			rewards, err := rewardsRecord(key, value)
			if err != nil {
				if unreadable(key) {
					stats.Rewards++
				}
				return nil
			}
			if rewards.Epoch < opts.MinEpoch {
				stats.Rewards++
				doomed = append(doomed, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PruneStats{}, fmt.Errorf("prune cache: %w", err)
	}

	return stats, nil
}
