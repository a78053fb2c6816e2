package deriver

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"solana-validator-exporter/internal/collector"
	"solana-validator-exporter/internal/metrics"
)

const unknownLocation = "unknown"

type cityKey struct {
	country string
	city    string
}

// deriveGeography resolves every gossip IP on the worker pool and aggregates
// activated stake per country and city. Nodes that cannot be located are
// left out.
func (d *Deriver) deriveGeography(ctx context.Context, snap *collector.Snapshot, set *metrics.DerivedMetricSet) {
	stakeByIdentity := make(map[string]uint64, len(snap.VoteAccounts))
	for _, va := range snap.VoteAccounts {
		stakeByIdentity[va.Identity] += va.ActivatedStake
	}

	countryStake := xsync.NewMap[string, float64]()
	cityStake := xsync.NewMap[cityKey, float64]()
	countryNodes := xsync.NewMap[string, float64]()
	var failed, located atomic.Int64

	add := func(m *xsync.Map[string, float64], key string, v float64) {
		m.Compute(key, func(old float64, _ bool) (float64, xsync.ComputeOp) {
			return old + v, xsync.UpdateOp
		})
	}

	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, node := range snap.Nodes {
		if node.GossipIP == "" {
			continue
		}
		node := node
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}

			loc, err := d.resolver.Resolve(groupCtx, node.GossipIP)
			if err != nil {
				failed.Add(1)
				d.logger.Debugw("Node location unavailable",
					"identity", node.Identity,
					"ip", node.GossipIP,
					"error", err)
				return
			}
			located.Add(1)

			country := loc.CountryCode
			if country == "" {
				country = unknownLocation
			}
			city := loc.City
			if city == "" {
				city = unknownLocation
			}
			stake := float64(stakeByIdentity[node.Identity])

			add(countryStake, country, stake)
			add(countryNodes, country, 1)
			cityStake.Compute(cityKey{country: country, city: city}, func(old float64, _ bool) (float64, xsync.ComputeOp) {
				return old + stake, xsync.UpdateOp
			})
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Warnw("Geography tasks failed", "error", err)
	}

	countryStake.Range(func(country string, stake float64) bool {
		set.Set(metrics.GeoStakeByCountry, stake, country)
		return true
	})
	cityStake.Range(func(k cityKey, stake float64) bool {
		set.Set(metrics.GeoStakeByCity, stake, k.country, k.city)
		return true
	})
	countryNodes.Range(func(country string, n float64) bool {
		set.Set(metrics.GeoNodesByCountry, n, country)
		return true
	})

	if n := failed.Load(); n > 0 {
		d.logger.Infow("Partial geography for this cycle",
			"located", located.Load(),
			"failed", n)
	}
}
