package solana

import (
	"context"
	"encoding/json"
	"errors"
)

func commitmentParam(commitment Commitment) map[string]interface{} {
	return map[string]interface{}{"commitment": string(commitment)}
}

func (c *Client) GetSlot(ctx context.Context, commitment Commitment) (uint64, error) {
	var slot uint64
	if err := c.Call(ctx, "getSlot", []interface{}{commitmentParam(commitment)}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

func (c *Client) GetEpochInfo(ctx context.Context, commitment Commitment) (*EpochInfo, error) {
	var info EpochInfo
	if err := c.Call(ctx, "getEpochInfo", []interface{}{commitmentParam(commitment)}, &info); err != nil {
		return nil, err
	}
	if info.SlotsInEpoch == 0 || info.SlotIndex > info.AbsoluteSlot {
		return nil, &Error{Method: "getEpochInfo", Kind: KindMalformed, Err: errors.New("inconsistent epoch info")}
	}
	return &info, nil
}

func (c *Client) GetVoteAccounts(ctx context.Context, commitment Commitment) (*VoteAccounts, error) {
	var accounts VoteAccounts
	if err := c.Call(ctx, "getVoteAccounts", []interface{}{commitmentParam(commitment)}, &accounts); err != nil {
		return nil, err
	}
	return &accounts, nil
}

func (c *Client) GetClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	var nodes []ClusterNode
	if err := c.Call(ctx, "getClusterNodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetBlockProduction returns per-leader production over the inclusive slot range.
func (c *Client) GetBlockProduction(ctx context.Context, commitment Commitment, firstSlot, lastSlot uint64) (*BlockProduction, error) {
	params := commitmentParam(commitment)
	params["range"] = map[string]uint64{"firstSlot": firstSlot, "lastSlot": lastSlot}

	var resp blockProductionResponse
	if err := c.Call(ctx, "getBlockProduction", []interface{}{params}, &resp); err != nil {
		return nil, err
	}
	if resp.Value.ByIdentity == nil {
		resp.Value.ByIdentity = make(map[string][2]uint64)
	}
	return &resp.Value, nil
}

// GetLeaderSchedule fetches the schedule of the epoch containing slot. A null
// result (epoch not yet scheduled) is returned as an empty schedule.
func (c *Client) GetLeaderSchedule(ctx context.Context, commitment Commitment, slot uint64) (LeaderSchedule, error) {
	var schedule LeaderSchedule
	if err := c.Call(ctx, "getLeaderSchedule", []interface{}{slot, commitmentParam(commitment)}, &schedule); err != nil {
		return nil, err
	}
	if schedule == nil {
		schedule = LeaderSchedule{}
	}
	return schedule, nil
}

// MaxAccountsPerCall is the node's limit for getMultipleAccounts.
const MaxAccountsPerCall = 100

// GetBlocks lists the confirmed blocks between two slots, inclusive.
func (c *Client) GetBlocks(ctx context.Context, commitment Commitment, startSlot, endSlot uint64) ([]uint64, error) {
	var slots []uint64
	if err := c.Call(ctx, "getBlocks", []interface{}{startSlot, endSlot, commitmentParam(commitment)}, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// GetBlockRewards fetches only the rewards list of the block at slot.
func (c *Client) GetBlockRewards(ctx context.Context, commitment Commitment, slot uint64) ([]Reward, error) {
	params := commitmentParam(commitment)
	params["encoding"] = "json"
	params["transactionDetails"] = "none"
	params["rewards"] = true
	params["maxSupportedTransactionVersion"] = 0

	var block blockRewards
	if err := c.Call(ctx, "getBlock", []interface{}{slot, params}, &block); err != nil {
		return nil, err
	}
	return block.Rewards, nil
}

// GetStakeDelegations maps each delegated stake account to the vote account
// it delegates to. Missing or undelegated accounts are left out.
func (c *Client) GetStakeDelegations(ctx context.Context, commitment Commitment, stakeAccounts []string) (map[string]string, error) {
	params := commitmentParam(commitment)
	params["encoding"] = "jsonParsed"

	voters := make(map[string]string, len(stakeAccounts))
	for start := 0; start < len(stakeAccounts); start += MaxAccountsPerCall {
		end := start + MaxAccountsPerCall
		if end > len(stakeAccounts) {
			end = len(stakeAccounts)
		}
		chunk := stakeAccounts[start:end]

		var resp multipleAccountsResponse
		if err := c.Call(ctx, "getMultipleAccounts", []interface{}{chunk, params}, &resp); err != nil {
			return nil, err
		}
		for i, account := range resp.Value {
			if i >= len(chunk) || account == nil {
				continue
			}
			// Accounts the node cannot parse come back as base64.
			var data stakeAccountData
			if err := json.Unmarshal(account.Data, &data); err != nil {
				continue
			}
			if data.Program != "stake" || data.Parsed.Type != "delegated" || data.Parsed.Info.Stake == nil {
				continue
			}
			voters[chunk[i]] = data.Parsed.Info.Stake.Delegation.Voter
		}
	}
	return voters, nil
}
