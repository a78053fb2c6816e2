package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/golang/snappy"
)

// Schema versions, one per record kind. A record starts with its version byte.
const (
	validatorSchemaV1 byte = 1 // last epoch, last credits, last root slot, updated at
	validatorSchemaV2 byte = 2 // v1 + root advanced at, skip-rate accumulator, flags

	geoSchemaV1     byte = 1
	epochSchemaV1   byte = 1
	rewardsSchemaV1 byte = 1
)

const flagFlagged byte = 1 << 0

func compress(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

func decompress(value []byte) ([]byte, error) {
	raw, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrCorrupt)
	}
	return raw, nil
}

// schemaError tells records from a newer release apart from garbage.
func schemaError(kind string, version, latest byte) error {
	if version > latest {
		return fmt.Errorf("%w: %s record version %d", ErrNewerSchema, kind, version)
	}
	return fmt.Errorf("%w: %s record version %d", ErrSchemaMismatch, kind, version)
}

func appendTime(b []byte, t time.Time) []byte {
	if t.IsZero() {
		return binary.BigEndian.AppendUint64(b, 0)
	}
	return binary.BigEndian.AppendUint64(b, uint64(t.UnixNano()))
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func encodeValidator(v *ValidatorState) []byte {
	b := make([]byte, 0, 64)
	b = append(b, validatorSchemaV2)
	b = binary.BigEndian.AppendUint64(b, v.LastEpoch)
	b = binary.BigEndian.AppendUint64(b, v.LastCredits)
	b = binary.BigEndian.AppendUint64(b, v.LastRootSlot)
	b = appendTime(b, v.UpdatedAt)
	b = appendTime(b, v.RootAdvancedAt)
	b = binary.BigEndian.AppendUint64(b, v.BlocksProduced)
	b = binary.BigEndian.AppendUint64(b, v.SlotsAssigned)

	var flags byte
	if v.Flagged {
		flags |= flagFlagged
	}
	b = append(b, flags)

	return compress(b)
}

func decodeValidator(identity string, value []byte) (*ValidatorState, error) {
	raw, err := decompress(value)
	if err != nil {
		return nil, err
	}

	r := reader{buf: raw[1:]}
	v := &ValidatorState{Identity: identity}

	switch version := raw[0]; version {
	case validatorSchemaV1:
		v.LastEpoch = r.readUint64()
		v.LastCredits = r.readUint64()
		v.LastRootSlot = r.readUint64()
		v.UpdatedAt = r.readTime()
		// v1 never tracked when the root moved, nor a skip-rate accumulator.
		v.RootAdvancedAt = v.UpdatedAt
	case validatorSchemaV2:
		v.LastEpoch = r.readUint64()
		v.LastCredits = r.readUint64()
		v.LastRootSlot = r.readUint64()
		v.UpdatedAt = r.readTime()
		v.RootAdvancedAt = r.readTime()
		v.BlocksProduced = r.readUint64()
		v.SlotsAssigned = r.readUint64()
		v.Flagged = r.readByte()&flagFlagged != 0
	default:
		return nil, schemaError("validator", version, validatorSchemaV2)
	}

	if err := r.done(); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeGeo(g *GeoEntry) []byte {
	b := make([]byte, 0, 48)
	b = append(b, geoSchemaV1)
	b = appendString(b, g.CountryCode)
	b = appendString(b, g.City)
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(g.Latitude))
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(g.Longitude))
	b = appendTime(b, g.ResolvedAt)
	return compress(b)
}

func decodeGeo(ip string, value []byte) (*GeoEntry, error) {
	raw, err := decompress(value)
	if err != nil {
		return nil, err
	}
	if raw[0] != geoSchemaV1 {
		return nil, schemaError("geo", raw[0], geoSchemaV1)
	}

	r := reader{buf: raw[1:]}
	g := &GeoEntry{
		IP:          ip,
		CountryCode: r.readString(),
		City:        r.readString(),
		Latitude:    math.Float64frombits(r.readUint64()),
		Longitude:   math.Float64frombits(r.readUint64()),
		ResolvedAt:  r.readTime(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return g, nil
}

func encodeEpochSummary(s *EpochSummary) []byte {
	b := make([]byte, 0, 40)
	b = append(b, epochSchemaV1)
	b = binary.BigEndian.AppendUint64(b, s.Credits)
	b = binary.BigEndian.AppendUint64(b, s.LeaderSlots)
	b = binary.BigEndian.AppendUint64(b, s.BlocksProduced)
	b = appendTime(b, s.ClosedAt)
	return compress(b)
}

func decodeEpochSummary(epoch uint64, identity string, value []byte) (*EpochSummary, error) {
	raw, err := decompress(value)
	if err != nil {
		return nil, err
	}
	if raw[0] != epochSchemaV1 {
		return nil, schemaError("epoch", raw[0], epochSchemaV1)
	}

	r := reader{buf: raw[1:]}
	s := &EpochSummary{
		Epoch:          epoch,
		Identity:       identity,
		Credits:        r.readUint64(),
		LeaderSlots:    r.readUint64(),
		BlocksProduced: r.readUint64(),
		ClosedAt:       r.readTime(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeRewards(e *EpochRewards) []byte {
	b := make([]byte, 0, 32+len(e.Validators)*64+len(e.StakingAPY)*56)
	b = append(b, rewardsSchemaV1)
	b = binary.BigEndian.AppendUint64(b, e.Slot)
	b = appendTime(b, e.FetchedAt)

	b = binary.AppendUvarint(b, uint64(len(e.Validators)))
	for _, vote := range sortedKeys(e.Validators) {
		r := e.Validators[vote]
		b = appendString(b, vote)
		b = binary.BigEndian.AppendUint64(b, uint64(r.Lamports))
		b = binary.BigEndian.AppendUint64(b, r.PostBalance)
		b = append(b, r.Commission)
	}

	b = binary.AppendUvarint(b, uint64(len(e.StakingAPY)))
	for _, vote := range sortedKeys(e.StakingAPY) {
		b = appendString(b, vote)
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(e.StakingAPY[vote]))
	}
	return compress(b)
}

func decodeRewards(epoch uint64, value []byte) (*EpochRewards, error) {
	raw, err := decompress(value)
	if err != nil {
		return nil, err
	}
	if raw[0] != rewardsSchemaV1 {
		return nil, schemaError("rewards", raw[0], rewardsSchemaV1)
	}

	r := reader{buf: raw[1:]}
	e := &EpochRewards{
		Epoch:      epoch,
		Slot:       r.readUint64(),
		FetchedAt:  r.readTime(),
		Validators: map[string]ValidatorReward{},
		StakingAPY: map[string]float64{},
	}
	for n := r.readCount(); n > 0; n-- {
		vote := r.readString()
		e.Validators[vote] = ValidatorReward{
			Lamports:    int64(r.readUint64()),
			PostBalance: r.readUint64(),
			Commission:  r.readByte(),
		}
	}
	for n := r.readCount(); n > 0; n-- {
		vote := r.readString()
		e.StakingAPY[vote] = math.Float64frombits(r.readUint64())
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return e, nil
}

// reader decodes fixed fields and remembers the first short read.
type reader struct {
	buf   []byte
	short bool
}

func (r *reader) take(n int) []byte {
	if r.short || len(r.buf) < n {
		r.short = true
		return make([]byte, n)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) readByte() byte {
	return r.take(1)[0]
}

func (r *reader) readUint64() uint64 {
	return binary.BigEndian.Uint64(r.take(8))
}

func (r *reader) readTime() time.Time {
	n := r.readUint64()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}

func (r *reader) readString() string {
	if r.short {
		return ""
	}
	n, read := binary.Uvarint(r.buf)
	if read <= 0 || uint64(len(r.buf)-read) < n {
		r.short = true
		return ""
	}
	r.buf = r.buf[read:]
	return string(r.take(int(n)))
}

// readCount reads an element count, which can never exceed the bytes left.
func (r *reader) readCount() uint64 {
	if r.short {
		return 0
	}
	n, read := binary.Uvarint(r.buf)
	if read <= 0 || n > uint64(len(r.buf)) {
		r.short = true
		return 0
	}
	r.buf = r.buf[read:]
	return n
}

func (r *reader) done() error {
	if r.short {
		return fmt.Errorf("%w: truncated record", ErrCorrupt)
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r.buf))
	}
	return nil
}
