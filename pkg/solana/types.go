package solana

import "encoding/json"

// Commitment levels accepted by the node.
type Commitment string

const (
	CommitmentFinalized Commitment = "finalized"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentProcessed Commitment = "processed"
)

type EpochInfo struct {
	AbsoluteSlot     uint64  `json:"absoluteSlot"`
	BlockHeight      uint64  `json:"blockHeight"`
	Epoch            uint64  `json:"epoch"`
	SlotIndex        uint64  `json:"slotIndex"`
	SlotsInEpoch     uint64  `json:"slotsInEpoch"`
	TransactionCount *uint64 `json:"transactionCount,omitempty"`
}

// FirstSlot is the absolute slot the epoch started at.
func (e EpochInfo) FirstSlot() uint64 {
	return e.AbsoluteSlot - e.SlotIndex
}

// StartSlot is the first slot of an earlier epoch, assuming it was as long
// as the current one.
func (e EpochInfo) StartSlot(epoch uint64) uint64 {
	if epoch >= e.Epoch {
		return e.FirstSlot() + (epoch-e.Epoch)*e.SlotsInEpoch
	}
	back := (e.Epoch - epoch) * e.SlotsInEpoch
	if back > e.FirstSlot() {
		return 0
	}
	return e.FirstSlot() - back
}

// EpochCredits is one [epoch, credits, previousCredits] triple of a vote account.
type EpochCredits [3]uint64

func (c EpochCredits) Epoch() uint64           { return c[0] }
func (c EpochCredits) Credits() uint64         { return c[1] }
func (c EpochCredits) PreviousCredits() uint64 { return c[2] }

type VoteAccount struct {
	VotePubkey       string         `json:"votePubkey"`
	NodePubkey       string         `json:"nodePubkey"`
	ActivatedStake   uint64         `json:"activatedStake"`
	EpochVoteAccount bool           `json:"epochVoteAccount"`
	Commission       uint8          `json:"commission"`
	LastVote         uint64         `json:"lastVote"`
	RootSlot         uint64         `json:"rootSlot"`
	EpochCredits     []EpochCredits `json:"epochCredits"`
}

type VoteAccounts struct {
	Current    []VoteAccount `json:"current"`
	Delinquent []VoteAccount `json:"delinquent"`
}

type ClusterNode struct {
	Pubkey       string  `json:"pubkey"`
	Gossip       *string `json:"gossip"`
	TPU          *string `json:"tpu"`
	RPC          *string `json:"rpc"`
	Version      *string `json:"version"`
	FeatureSet   *uint32 `json:"featureSet"`
	ShredVersion *uint16 `json:"shredVersion"`
}

// SlotRange is an inclusive range of absolute slots.
type SlotRange struct {
	FirstSlot uint64 `json:"firstSlot"`
	LastSlot  uint64 `json:"lastSlot"`
}

// BlockProduction maps a leader identity to [leaderSlots, blocksProduced].
type BlockProduction struct {
	ByIdentity map[string][2]uint64 `json:"byIdentity"`
	Range      SlotRange            `json:"range"`
}

type blockProductionResponse struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value BlockProduction `json:"value"`
}

// LeaderSchedule maps a leader identity to the slot indices, relative to the
// epoch's first slot, it is scheduled for.
type LeaderSchedule map[string][]uint64

// Reward types reported in a block's rewards list.
const (
	RewardVoting  = "Voting"
	RewardStaking = "Staking"
)

// Reward is one balance change paid by the runtime in a block.
type Reward struct {
	Pubkey      string `json:"pubkey"`
	Lamports    int64  `json:"lamports"`
	PostBalance uint64 `json:"postBalance"`
	RewardType  string `json:"rewardType"`
	Commission  *uint8 `json:"commission"`
}

type blockRewards struct {
	Rewards []Reward `json:"rewards"`
}

type multipleAccountsResponse struct {
	Value []*struct {
		Data json.RawMessage `json:"data"`
	} `json:"value"`
}

// stakeAccountData is the jsonParsed form of a stake account.
type stakeAccountData struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string `json:"type"`
		Info struct {
			Stake *struct {
				Delegation struct {
					Voter string `json:"voter"`
				} `json:"delegation"`
			} `json:"stake"`
		} `json:"info"`
	} `json:"parsed"`
}
