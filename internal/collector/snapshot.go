package collector

import (
	"net"
	"time"

	"solana-validator-exporter/pkg/solana"
)

// Snapshot is the immutable result of one collection cycle. Every field was
// read within the same bounded window.
type Snapshot struct {
	Slot      uint64
	EpochInfo solana.EpochInfo

	// VoteAccounts holds current accounts first, then delinquent ones, each
	// in node order.
	VoteAccounts []VoteAccount
	Nodes        []Node

	// BlockProduction covers ProductionRange, the current epoch up to the
	// epoch info slot.
	BlockProduction map[string]LeaderStats
	ProductionRange solana.SlotRange

	// LeaderSchedule maps identities to slot indices of the current epoch.
	LeaderSchedule solana.LeaderSchedule

	CollectedAt time.Time
}

func (s *Snapshot) Epoch() uint64 {
	return s.EpochInfo.Epoch
}

// EpochProgress is the completed fraction of the current epoch.
func (s *Snapshot) EpochProgress() float64 {
	if s.EpochInfo.SlotsInEpoch == 0 {
		return 0
	}
	return float64(s.EpochInfo.SlotIndex) / float64(s.EpochInfo.SlotsInEpoch)
}

type VoteAccount struct {
	Identity       string
	VoteAccount    string
	ActivatedStake uint64
	Commission     uint8
	LastVote       uint64
	RootSlot       uint64
	EpochCredits   []solana.EpochCredits
	Delinquent     bool
}

// CreditsForEpoch returns the credits earned during epoch, and false when the
// account has no entry for it.
func (v VoteAccount) CreditsForEpoch(epoch uint64) (uint64, bool) {
	for i := len(v.EpochCredits) - 1; i >= 0; i-- {
		ec := v.EpochCredits[i]
		if ec.Epoch() != epoch {
			continue
		}
		if ec.Credits() < ec.PreviousCredits() {
			return 0, true
		}
		return ec.Credits() - ec.PreviousCredits(), true
	}
	return 0, false
}

type Node struct {
	Identity string
	GossipIP string
	Version  string
}

type LeaderStats struct {
	LeaderSlots    uint64
	BlocksProduced uint64
}

func voteAccountsFrom(accounts *solana.VoteAccounts) []VoteAccount {
	out := make([]VoteAccount, 0, len(accounts.Current)+len(accounts.Delinquent))
	add := func(list []solana.VoteAccount, delinquent bool) {
		for _, va := range list {
			out = append(out, VoteAccount{
				Identity:       va.NodePubkey,
				VoteAccount:    va.VotePubkey,
				ActivatedStake: va.ActivatedStake,
				Commission:     va.Commission,
				LastVote:       va.LastVote,
				RootSlot:       va.RootSlot,
				EpochCredits:   va.EpochCredits,
				Delinquent:     delinquent,
			})
		}
	}
	add(accounts.Current, false)
	add(accounts.Delinquent, true)
	return out
}

func nodesFrom(nodes []solana.ClusterNode) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		node := Node{Identity: n.Pubkey}
		if n.Gossip != nil {
			node.GossipIP = hostOf(*n.Gossip)
		}
		if n.Version != nil {
			node.Version = *n.Version
		}
		out = append(out, node)
	}
	return out
}

// hostOf strips the port from a gossip address. Unparseable addresses yield
// an empty string.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if ip := net.ParseIP(addr); ip != nil {
			return ip.String()
		}
		return ""
	}
	return host
}

func productionFrom(bp *solana.BlockProduction) map[string]LeaderStats {
	out := make(map[string]LeaderStats, len(bp.ByIdentity))
	for identity, v := range bp.ByIdentity {
		out[identity] = LeaderStats{LeaderSlots: v[0], BlocksProduced: v[1]}
	}
	return out
}
