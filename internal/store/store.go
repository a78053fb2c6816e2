// Package store is the persistent cache of the exporter: a single bbolt file
// holding per-validator reconciliation state, resolved geolocations,
// closed-epoch summaries and per-epoch rewards. Keys are namespaced by record kind so every kind
// can be range scanned and pruned on its own.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultFileName is used when only a data directory is configured.
	DefaultFileName = "exporter-cache.db"

	bucketName = "exporter_cache"

	NamespaceValidator = "validator"
	NamespaceGeo       = "geo"
	NamespaceEpoch     = "epoch"
	NamespaceRewards   = "rewards"
)

var (
	ErrNotFound       = errors.New("cache entry not found")
	ErrSchemaMismatch = errors.New("cache schema mismatch")
	ErrCorrupt        = errors.New("cache entry corrupt")
	// ErrNewerSchema marks a record written by a newer release. It matches
	// ErrSchemaMismatch too.
	ErrNewerSchema = fmt.Errorf("%w: written by a newer release", ErrSchemaMismatch)
)

// ValidatorState is the reconciliation state kept per validator identity.
type ValidatorState struct {
	Identity string

	LastEpoch    uint64
	LastCredits  uint64
	LastRootSlot uint64
	UpdatedAt    time.Time
	// RootAdvancedAt is when LastRootSlot last moved forward.
	RootAdvancedAt time.Time

	// Skip-rate accumulator for LastEpoch.
	BlocksProduced uint64
	SlotsAssigned  uint64

	// Flagged is set when a previous cycle had to skip this validator.
	Flagged bool
}

// GeoEntry is a resolved gossip IP location.
type GeoEntry struct {
	IP          string
	CountryCode string
	City        string
	Latitude    float64
	Longitude   float64
	ResolvedAt  time.Time
}

// EpochSummary is the final state of one validator in a closed epoch.
type EpochSummary struct {
	Epoch          uint64
	Identity       string
	Credits        uint64
	LeaderSlots    uint64
	BlocksProduced uint64
	ClosedAt       time.Time
}

// ValidatorReward is the vote reward paid to one vote account.
type ValidatorReward struct {
	Lamports    int64
	PostBalance uint64
	Commission  uint8
}

// EpochRewards holds the rewards paid out at the start of Epoch. Once written
// a record never changes.
type EpochRewards struct {
	Epoch uint64
	// Slot of the block that carried the rewards.
	Slot       uint64
	Validators map[string]ValidatorReward
	// StakingAPY is the annualized staking yield in percent per vote
	// account, from the whitelisted stake accounts delegated to it.
	StakingAPY map[string]float64
	FetchedAt  time.Time
}

type Store struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the cache file. A lock held by another process makes
// Open fail after timeout.
func Open(path string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func validatorKey(identity string) []byte {
	return []byte(NamespaceValidator + ":" + identity)
}

func geoKey(ip string) []byte {
	return []byte(NamespaceGeo + ":" + ip)
}

// Epochs are zero padded so keys sort numerically.
func epochKey(epoch uint64, identity string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", NamespaceEpoch, epoch, identity))
}

func rewardsKey(epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", NamespaceRewards, epoch))
}

func parseRewardsKey(key []byte) (uint64, error) {
	epoch, err := strconv.ParseUint(string(key[len(NamespaceRewards)+1:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad rewards key %q", ErrCorrupt, key)
	}
	return epoch, nil
}

func parseEpochKey(key []byte) (uint64, string, error) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 || parts[0] != NamespaceEpoch {
		return 0, "", fmt.Errorf("%w: bad epoch key %q", ErrCorrupt, key)
	}
	epoch, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad epoch key %q", ErrCorrupt, key)
	}
	return epoch, parts[2], nil
}

func (s *Store) get(key []byte, decode func([]byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(bucketName)).Get(key)
		if value == nil {
			return ErrNotFound
		}
		return decode(value)
	})
}

// scanBucket calls fn for every key under prefix, in key order.
func scanBucket(b *bolt.Bucket, prefix string, fn func(key, value []byte) error) error {
	p := []byte(prefix + ":")
	c := b.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func validatorRecord(key, value []byte) (string, *ValidatorState, error) {
	identity := string(key[len(NamespaceValidator)+1:])
	state, err := decodeValidator(identity, value)
	return identity, state, err
}

func geoRecord(key, value []byte) (string, *GeoEntry, error) {
	ip := string(key[len(NamespaceGeo)+1:])
	entry, err := decodeGeo(ip, value)
	return ip, entry, err
}

func epochRecord(key, value []byte) (*EpochSummary, error) {
	epoch, identity, err := parseEpochKey(key)
	if err != nil {
		return nil, err
	}
	return decodeEpochSummary(epoch, identity, value)
}

func rewardsRecord(key, value []byte) (*EpochRewards, error) {
	epoch, err := parseRewardsKey(key)
	if err != nil {
		return nil, err
	}
	return decodeRewards(epoch, value)
}

// Batch collects writes that Commit applies in one transaction. The zero
// value is ready to use.
type Batch struct {
	validators []*ValidatorState
	summaries  []*EpochSummary
	geo        []*GeoEntry
	rewards    []*EpochRewards
}

func (b *Batch) PutValidator(state *ValidatorState) {
	b.validators = append(b.validators, state)
}

func (b *Batch) PutEpochSummary(summary *EpochSummary) {
	b.summaries = append(b.summaries, summary)
}

func (b *Batch) PutGeo(entry *GeoEntry) {
	b.geo = append(b.geo, entry)
}

func (b *Batch) PutEpochRewards(rewards *EpochRewards) {
	b.rewards = append(b.rewards, rewards)
}

// Len is the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.validators) + len(b.summaries) + len(b.geo) + len(b.rewards)
}

// Commit writes every record of b or none of them. Summaries go before
// validator records within the transaction.
func (s *Store) Commit(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	for _, v := range b.validators {
		if v.Identity == "" {
			return errors.New("commit: validator with empty identity")
		}
	}
	for _, g := range b.geo {
		if g.IP == "" {
			return errors.New("commit: geo entry with empty ip")
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		for _, r := range b.rewards {
			if err := bucket.Put(rewardsKey(r.Epoch), encodeRewards(r)); err != nil {
				return err
			}
		}
		for _, sum := range b.summaries {
			if err := bucket.Put(epochKey(sum.Epoch, sum.Identity), encodeEpochSummary(sum)); err != nil {
				return err
			}
		}
		for _, v := range b.validators {
			if err := bucket.Put(validatorKey(v.Identity), encodeValidator(v)); err != nil {
				return err
			}
		}
		for _, g := range b.geo {
			if err := bucket.Put(geoKey(g.IP), encodeGeo(g)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit %d records: %w", b.Len(), err)
	}
	return nil
}

func (s *Store) GetValidator(identity string) (*ValidatorState, error) {
	var state *ValidatorState
	err := s.get(validatorKey(identity), func(value []byte) error {
		var err error
		state, err = decodeValidator(identity, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get validator %s: %w", identity, err)
	}
	return state, nil
}

// PutValidator replaces the whole record in its own transaction.
func (s *Store) PutValidator(state *ValidatorState) error {
	var b Batch
	b.PutValidator(state)
	return s.Commit(&b)
}

// ScanValidators visits every validator record. Unreadable records are passed
// to fn with a nil state and the decode error so callers can skip them.
func (s *Store) ScanValidators(fn func(identity string, state *ValidatorState, err error) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return scanValidators(tx.Bucket([]byte(bucketName)), func(_ []byte, identity string, state *ValidatorState, err error) error {
			return fn(identity, state, err)
		})
	})
}

func scanValidators(b *bolt.Bucket, fn func(key []byte, identity string, state *ValidatorState, err error) error) error {
	return scanBucket(b, NamespaceValidator, func(key, value []byte) error {
		identity, state, err := validatorRecord(key, value)
		return fn(key, identity, state, err)
	})
}

func (s *Store) GetGeo(ip string) (*GeoEntry, error) {
	var entry *GeoEntry
	err := s.get(geoKey(ip), func(value []byte) error {
		var err error
		entry, err = decodeGeo(ip, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get geo %s: %w", ip, err)
	}
	return entry, nil
}

func (s *Store) PutGeo(entry *GeoEntry) error {
	var b Batch
	b.PutGeo(entry)
	return s.Commit(&b)
}

func (s *Store) ScanGeo(fn func(ip string, entry *GeoEntry, err error) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return scanGeo(tx.Bucket([]byte(bucketName)), func(_ []byte, ip string, entry *GeoEntry, err error) error {
			return fn(ip, entry, err)
		})
	})
}

func scanGeo(b *bolt.Bucket, fn func(key []byte, ip string, entry *GeoEntry, err error) error) error {
	return scanBucket(b, NamespaceGeo, func(key, value []byte) error {
		ip, entry, err := geoRecord(key, value)
		return fn(key, ip, entry, err)
	})
}

func (s *Store) GetEpochSummary(epoch uint64, identity string) (*EpochSummary, error) {
	var summary *EpochSummary
	err := s.get(epochKey(epoch, identity), func(value []byte) error {
		var err error
		summary, err = decodeEpochSummary(epoch, identity, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get epoch %d summary %s: %w", epoch, identity, err)
	}
	return summary, nil
}

func (s *Store) PutEpochSummary(summary *EpochSummary) error {
	var b Batch
	b.PutEpochSummary(summary)
	return s.Commit(&b)
}

func (s *Store) GetEpochRewards(epoch uint64) (*EpochRewards, error) {
	var rewards *EpochRewards
	err := s.get(rewardsKey(epoch), func(value []byte) error {
		var err error
		rewards, err = decodeRewards(epoch, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get epoch %d rewards: %w", epoch, err)
	}
	return rewards, nil
}

func (s *Store) PutEpochRewards(rewards *EpochRewards) error {
	var b Batch
	b.PutEpochRewards(rewards)
	return s.Commit(&b)
}

// Counts returns the number of entries per namespace.
func (s *Store) Counts() (map[string]int, error) {
	counts := map[string]int{
		NamespaceValidator: 0,
		NamespaceGeo:       0,
		NamespaceEpoch:     0,
		NamespaceRewards:   0,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, _ []byte) error {
			if i := bytes.IndexByte(k, ':'); i > 0 {
				if _, ok := counts[string(k[:i])]; ok {
					counts[string(k[:i])]++
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("count cache entries: %w", err)
	}
	return counts, nil
}
