package store

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), DefaultFileName), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putRaw(t *testing.T, s *Store, key string, value []byte) {
	t.Helper()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), value)
	})
	require.NoError(t, err)
}

func TestStore_ValidatorState(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.GetValidator("node1")
	assert.ErrorIs(t, err, ErrNotFound)

	want := &ValidatorState{
		Identity:       "node1",
		LastEpoch:      11,
		LastCredits:    30,
		LastRootSlot:   4_752_000,
		UpdatedAt:      now,
		RootAdvancedAt: now.Add(-time.Minute),
		BlocksProduced: 7,
		SlotsAssigned:  8,
		Flagged:        true,
	}
	require.NoError(t, s.PutValidator(want))

	got, err := s.GetValidator("node1")
	require.NoError(t, err)
	assert.Equal(t, want.LastEpoch, got.LastEpoch)
	assert.Equal(t, want.LastCredits, got.LastCredits)
	assert.Equal(t, want.LastRootSlot, got.LastRootSlot)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, want.RootAdvancedAt.Equal(got.RootAdvancedAt))
	assert.Equal(t, want.BlocksProduced, got.BlocksProduced)
	assert.Equal(t, want.SlotsAssigned, got.SlotsAssigned)
	assert.True(t, got.Flagged)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)

	s, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.PutValidator(&ValidatorState{Identity: "node1", LastEpoch: 10, LastCredits: 500}))
	require.NoError(t, s.PutGeo(&GeoEntry{IP: "1.2.3.4", CountryCode: "DE", City: "Frankfurt", Latitude: 50.11, Longitude: 8.68}))
	require.NoError(t, s.Close())

	s, err = Open(path, time.Second)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.GetValidator("node1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v.LastEpoch)
	assert.Equal(t, uint64(500), v.LastCredits)

	g, err := s.GetGeo("1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "DE", g.CountryCode)
	assert.Equal(t, "Frankfurt", g.City)
	assert.InDelta(t, 50.11, g.Latitude, 1e-9)
	assert.InDelta(t, 8.68, g.Longitude, 1e-9)
}

func TestStore_UpgradesValidatorV1(t *testing.T) {
	s := openTestStore(t)
	updated := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	raw := []byte{validatorSchemaV1}
	raw = binary.BigEndian.AppendUint64(raw, 9)
	raw = binary.BigEndian.AppendUint64(raw, 1234)
	raw = binary.BigEndian.AppendUint64(raw, 777)
	raw = binary.BigEndian.AppendUint64(raw, uint64(updated.UnixNano()))
	putRaw(t, s, "validator:old", snappy.Encode(nil, raw))

	v, err := s.GetValidator("old")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v.LastEpoch)
	assert.Equal(t, uint64(1234), v.LastCredits)
	assert.Equal(t, uint64(777), v.LastRootSlot)
	assert.True(t, v.RootAdvancedAt.Equal(updated))
	assert.Zero(t, v.SlotsAssigned)
	assert.False(t, v.Flagged)
}

func TestStore_FailsClosed(t *testing.T) {
	s := openTestStore(t)

	putRaw(t, s, "validator:future", snappy.Encode(nil, []byte{99, 1, 2, 3}))
	_, err := s.GetValidator("future")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.ErrorIs(t, err, ErrNewerSchema)

	putRaw(t, s, "validator:zero", snappy.Encode(nil, []byte{0, 1, 2, 3}))
	_, err = s.GetValidator("zero")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.NotErrorIs(t, err, ErrNewerSchema)

	putRaw(t, s, "validator:garbage", []byte("not snappy at all"))
	_, err = s.GetValidator("garbage")
	assert.ErrorIs(t, err, ErrCorrupt)

	putRaw(t, s, "validator:short", snappy.Encode(nil, []byte{validatorSchemaV2, 0, 0, 0}))
	_, err = s.GetValidator("short")
	assert.ErrorIs(t, err, ErrCorrupt)

	putRaw(t, s, "geo:9.9.9.9", snappy.Encode(nil, []byte{7}))
	_, err = s.GetGeo("9.9.9.9")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestStore_ScanValidatorsSkipsBadKeysOnly(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutValidator(&ValidatorState{Identity: "a", LastEpoch: 1}))
	require.NoError(t, s.PutValidator(&ValidatorState{Identity: "c", LastEpoch: 3}))
	putRaw(t, s, "validator:b", []byte{0xff})
	require.NoError(t, s.PutGeo(&GeoEntry{IP: "1.1.1.1"}))

	var good, bad []string
	err := s.ScanValidators(func(identity string, state *ValidatorState, err error) error {
		if err != nil {
			bad = append(bad, identity)
			return nil
		}
		good = append(good, state.Identity)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, good)
	assert.Equal(t, []string{"b"}, bad)
}

func TestStore_EpochSummaries(t *testing.T) {
	s := openTestStore(t)
	for _, sum := range []*EpochSummary{
		{Epoch: 9, Identity: "a", Credits: 1},
		{Epoch: 10, Identity: "a", Credits: 2, LeaderSlots: 4, BlocksProduced: 3},
		{Epoch: 10, Identity: "b", Credits: 5},
		{Epoch: 100, Identity: "a", Credits: 9},
	} {
		require.NoError(t, s.PutEpochSummary(sum))
	}

	got, err := s.GetEpochSummary(10, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.LeaderSlots)
	assert.Equal(t, uint64(3), got.BlocksProduced)

	_, err = s.GetEpochSummary(11, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_EpochRewards(t *testing.T) {
	s := openTestStore(t)
	fetched := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	in := &EpochRewards{
		Epoch: 600,
		Slot:  259_200_003,
		Validators: map[string]ValidatorReward{
			"vote-b": {Lamports: 2_500, PostBalance: 90_000, Commission: 10},
			"vote-a": {Lamports: -1, PostBalance: 7},
		},
		StakingAPY: map[string]float64{"vote-a": 7.25},
		FetchedAt:  fetched,
	}
	require.NoError(t, s.PutEpochRewards(in))

	out, err := s.GetEpochRewards(600)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = s.GetEpochRewards(599)
	assert.ErrorIs(t, err, ErrNotFound)

	putRaw(t, s, "rewards:00000000000000000601", snappy.Encode(nil, []byte{rewardsSchemaV1, 0, 0}))
	_, err = s.GetEpochRewards(601)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_CommitIsAllOrNothing(t *testing.T) {
	s := openTestStore(t)

	var b Batch
	b.PutEpochSummary(&EpochSummary{Epoch: 10, Identity: "a", Credits: 3})
	b.PutValidator(&ValidatorState{Identity: "a", LastEpoch: 11})
	b.PutGeo(&GeoEntry{IP: "1.1.1.1", CountryCode: "NL"})
	b.PutEpochRewards(&EpochRewards{Epoch: 11})
	b.PutValidator(&ValidatorState{})
	assert.Equal(t, 5, b.Len())

	require.Error(t, s.Commit(&b))
	counts, err := s.Counts()
	require.NoError(t, err)
	for namespace, n := range counts {
		assert.Zero(t, n, namespace)
	}

	b = Batch{}
	b.PutEpochSummary(&EpochSummary{Epoch: 10, Identity: "a", Credits: 3})
	b.PutValidator(&ValidatorState{Identity: "a", LastEpoch: 11})
	b.PutGeo(&GeoEntry{IP: "1.1.1.1", CountryCode: "NL"})
	b.PutEpochRewards(&EpochRewards{Epoch: 11})
	require.NoError(t, s.Commit(&b))

	counts, err = s.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{NamespaceValidator: 1, NamespaceGeo: 1, NamespaceEpoch: 1, NamespaceRewards: 1}, counts)
	require.NoError(t, s.Commit(&Batch{}))
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.PutValidator(&ValidatorState{Identity: "live"}))
	require.NoError(t, s.PutValidator(&ValidatorState{Identity: "gone"}))
	putRaw(t, s, "validator:broken", []byte{0x00})
	require.NoError(t, s.PutGeo(&GeoEntry{IP: "1.1.1.1", ResolvedAt: now}))
	require.NoError(t, s.PutGeo(&GeoEntry{IP: "2.2.2.2", ResolvedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.PutEpochSummary(&EpochSummary{Epoch: 3, Identity: "live"}))
	require.NoError(t, s.PutEpochSummary(&EpochSummary{Epoch: 8, Identity: "live"}))
	require.NoError(t, s.PutEpochRewards(&EpochRewards{Epoch: 4}))
	require.NoError(t, s.PutEpochRewards(&EpochRewards{Epoch: 5}))

	stats, err := s.Prune(PruneOptions{
		KeepValidators:    map[string]struct{}{"live": {}},
		MinEpoch:          5,
		GeoResolvedBefore: now.Add(-24 * time.Hour),
		DropUnreadable:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, PruneStats{Validators: 2, Geo: 1, Epochs: 1, Rewards: 1, Unreadable: 1}, stats)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{NamespaceValidator: 1, NamespaceGeo: 1, NamespaceEpoch: 1, NamespaceRewards: 1}, counts)

	_, err = s.GetValidator("gone")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEpochSummary(8, "live")
	assert.NoError(t, err)
}

func TestStore_PruneKeepsEverythingByDefault(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutValidator(&ValidatorState{Identity: "orphan"}))
	require.NoError(t, s.PutGeo(&GeoEntry{IP: "1.1.1.1"}))

	stats, err := s.Prune(PruneOptions{})
	require.NoError(t, err)
	assert.Equal(t, PruneStats{}, stats)
}

func TestStore_PruneKeepsUnreadableUnlessAsked(t *testing.T) {
	s := openTestStore(t)
	putRaw(t, s, "geo:9.9.9.9", []byte{0xff})
	putRaw(t, s, "epoch:garbage", []byte{0xff})

	stats, err := s.Prune(PruneOptions{MinEpoch: 100})
	require.NoError(t, err)
	assert.Equal(t, PruneStats{Unreadable: 2}, stats)

	stats, err = s.Prune(PruneOptions{DropUnreadable: true})
	require.NoError(t, err)
	assert.Equal(t, PruneStats{Geo: 1, Epochs: 1, Unreadable: 2}, stats)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts[NamespaceGeo])
	assert.Zero(t, counts[NamespaceEpoch])
}
