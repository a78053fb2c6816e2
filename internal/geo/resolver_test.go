package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"solana-validator-exporter/internal/store"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	args := m.Called(ctx, ip)
	return args.Get(0).(Location), args.Error(1)
}

func setupTest(t *testing.T, ttl time.Duration) (*MockProvider, *store.Store, *clockwork.FakeClock, *Resolver) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.DefaultFileName), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	provider := new(MockProvider)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	resolver := NewResolver(provider, s, ttl, clock, zap.NewNop().Sugar())
	return provider, s, clock, resolver
}

func commitPending(t *testing.T, s *store.Store, r *Resolver) int {
	t.Helper()
	var b store.Batch
	pending := r.Pending()
	for _, entry := range pending {
		b.PutGeo(entry)
	}
	require.NoError(t, s.Commit(&b))
	return len(pending)
}

var frankfurt = Location{CountryCode: "DE", City: "Frankfurt", Latitude: 50.11, Longitude: 8.68}

func TestResolver_LooksUpOncePerTTL(t *testing.T) {
	provider, _, clock, resolver := setupTest(t, time.Hour)
	provider.On("Lookup", mock.Anything, "1.2.3.4").Return(frankfurt, nil).Once()

	var outcomes []string
	resolver.OnResult(func(o string) { outcomes = append(outcomes, o) })

	loc, err := resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, frankfurt, loc)

	clock.Advance(30 * time.Minute)
	loc, err = resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, frankfurt, loc)

	provider.AssertNumberOfCalls(t, "Lookup", 1)
	assert.Equal(t, []string{"lookup", "hit"}, outcomes)
}

func TestResolver_ReResolvesAfterExpiry(t *testing.T) {
	provider, s, clock, resolver := setupTest(t, time.Hour)
	moved := Location{CountryCode: "NL", City: "Amsterdam"}
	provider.On("Lookup", mock.Anything, "1.2.3.4").Return(frankfurt, nil).Once()
	provider.On("Lookup", mock.Anything, "1.2.3.4").Return(moved, nil).Once()

	_, err := resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, 1, commitPending(t, s, resolver))

	clock.Advance(61 * time.Minute)
	loc, err := resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, moved, loc)
	assert.Equal(t, 1, commitPending(t, s, resolver))

	entry, err := s.GetGeo("1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "NL", entry.CountryCode)
	assert.True(t, entry.ResolvedAt.Equal(clock.Now()))
	provider.AssertExpectations(t)
}

func TestResolver_LookupsWaitForCommit(t *testing.T) {
	provider, s, _, resolver := setupTest(t, time.Hour)
	provider.On("Lookup", mock.Anything, "1.2.3.4").Return(frankfurt, nil).Once()

	_, err := resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)

	_, err = s.GetGeo("1.2.3.4")
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending := resolver.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "DE", pending[0].CountryCode)
	assert.Empty(t, resolver.Pending())
}

func TestResolver_FreshEntryServedWhenProviderDown(t *testing.T) {
	provider, s, clock, resolver := setupTest(t, 60*time.Minute)
	require.NoError(t, s.PutGeo(&store.GeoEntry{
		IP:          "1.2.3.4",
		CountryCode: "DE",
		City:        "Frankfurt",
		Latitude:    50.11,
		Longitude:   8.68,
		ResolvedAt:  clock.Now().Add(-40 * time.Minute),
	}))
	provider.On("Lookup", mock.Anything, "1.2.3.4").Return(Location{}, errors.New("quota exceeded"))

	loc, err := resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, frankfurt, loc)
	provider.AssertNotCalled(t, "Lookup", mock.Anything, "1.2.3.4")
}

func TestResolver_ExpiredEntryBeatsNothing(t *testing.T) {
	provider, s, clock, resolver := setupTest(t, time.Hour)
	require.NoError(t, s.PutGeo(&store.GeoEntry{
		IP:          "1.2.3.4",
		CountryCode: "DE",
		City:        "Frankfurt",
		Latitude:    50.11,
		Longitude:   8.68,
		ResolvedAt:  clock.Now().Add(-3 * time.Hour),
	}))
	provider.On("Lookup", mock.Anything, "1.2.3.4").Return(Location{}, errors.New("timeout")).Once()

	loc, err := resolver.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, frankfurt, loc)
	provider.AssertExpectations(t)
}

func TestResolver_NoEntryAndProviderDown(t *testing.T) {
	provider, _, _, resolver := setupTest(t, time.Hour)
	provider.On("Lookup", mock.Anything, "5.6.7.8").Return(Location{}, errors.New("boom"))

	_, err := resolver.Resolve(context.Background(), "5.6.7.8")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
}

func TestResolver_ConcurrentResolvesCoalesce(t *testing.T) {
	provider, _, _, resolver := setupTest(t, time.Hour)
	release := make(chan struct{})
	provider.On("Lookup", mock.Anything, "1.2.3.4").
		Run(func(mock.Arguments) { <-release }).
		Return(frankfurt, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc, err := resolver.Resolve(context.Background(), "1.2.3.4")
			assert.NoError(t, err)
			assert.Equal(t, frankfurt, loc)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	provider.AssertNumberOfCalls(t, "Lookup", 1)
}

func TestMaxMindProvider_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "42", user)
		assert.Equal(t, "secret", pass)

		switch r.URL.Path {
		case "/geoip/v2.1/city/1.2.3.4":
			_, _ = w.Write([]byte(`{"country":{"iso_code":"DE"},"city":{"names":{"en":"Frankfurt","de":"Frankfurt am Main"}},"location":{"latitude":50.11,"longitude":8.68}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"IP_ADDRESS_NOT_FOUND","error":"not in database"}`))
		}
	}))
	defer server.Close()

	p := NewMaxMindProvider(server.URL+"/", "42", "secret", time.Second)

	loc, err := p.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, frankfurt, loc)

	_, err = p.Lookup(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IP_ADDRESS_NOT_FOUND")
}
