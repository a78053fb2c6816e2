package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label names used by derived metrics.
const (
	IdentityLabel    = "identity"
	VoteAccountLabel = "vote_account"
	VersionLabel     = "version"
	CountryLabel     = "country"
	CityLabel        = "city"
	StateLabel       = "state"
)

// Derived metric names.
const (
	ValidatorSkipRate              = "solana_validator_skip_rate"
	ValidatorPreviousEpochSkipRate = "solana_validator_previous_epoch_skip_rate"
	ValidatorCreditsDelta          = "solana_validator_credits_delta"
	ValidatorEpochCredits          = "solana_validator_epoch_credits"
	ValidatorPreviousEpochCredits  = "solana_validator_previous_epoch_credits"
	ValidatorActivatedStake        = "solana_validator_activated_stake_lamports"
	ValidatorCommission            = "solana_validator_commission"
	ValidatorLastVote              = "solana_validator_last_vote_slot"
	ValidatorRootSlot              = "solana_validator_root_slot"
	ValidatorDelinquent            = "solana_validator_delinquent"
	ValidatorStalled               = "solana_validator_stalled"
	ValidatorRootStallSeconds      = "solana_validator_root_stall_seconds"
	ValidatorLeaderSlots           = "solana_validator_leader_slots"
	ValidatorBlocksProduced        = "solana_validator_blocks_produced"
	ValidatorScheduledSlots        = "solana_validator_scheduled_leader_slots"
	NodeVersionInfo                = "solana_node_version_info"

	ValidatorVoteRewards       = "solana_validator_vote_rewards_lamports"
	ValidatorStakingAPY        = "solana_validator_staking_apy_percent"
	ValidatorAverageStakingAPY = "solana_validator_average_staking_apy_percent"
	RewardsEpoch               = "solana_rewards_epoch"

	GeoStakeByCountry = "solana_geo_stake_by_country_lamports"
	GeoStakeByCity    = "solana_geo_stake_by_city_lamports"
	GeoNodesByCountry = "solana_geo_nodes_by_country"

	ClusterEpoch         = "solana_cluster_epoch"
	ClusterSlot          = "solana_cluster_slot"
	ClusterBlockHeight   = "solana_cluster_block_height"
	ClusterEpochProgress = "solana_cluster_epoch_progress"
	ClusterValidators    = "solana_cluster_validators"
	ClusterStake         = "solana_cluster_stake_lamports"
)

// GaugeDesc pairs a descriptor with its variable labels.
type GaugeDesc struct {
	Desc           *prometheus.Desc
	Name           string
	Help           string
	VariableLabels []string
}

func NewGaugeDesc(name, help string, variableLabels ...string) *GaugeDesc {
	return &GaugeDesc{
		Desc:           prometheus.NewDesc(name, help, variableLabels, nil),
		Name:           name,
		Help:           help,
		VariableLabels: variableLabels,
	}
}

func (c *GaugeDesc) NewConstMetric(value float64, labels ...string) (prometheus.Metric, error) {
	return prometheus.NewConstMetric(c.Desc, prometheus.GaugeValue, value, labels...)
}

var validatorLabels = []string{IdentityLabel, VoteAccountLabel}

// DerivedDescs lists every metric a DerivedMetricSet may carry.
var DerivedDescs = map[string]*GaugeDesc{}

func init() {
	for _, d := range []*GaugeDesc{
		NewGaugeDesc(ValidatorSkipRate, "Fraction of assigned leader slots skipped in the current epoch", validatorLabels...),
		NewGaugeDesc(ValidatorPreviousEpochSkipRate, "Fraction of assigned leader slots skipped in the previous epoch", validatorLabels...),
		NewGaugeDesc(ValidatorCreditsDelta, "Vote credits earned since the previous cycle", validatorLabels...),
		NewGaugeDesc(ValidatorEpochCredits, "Vote credits earned in the current epoch", validatorLabels...),
		NewGaugeDesc(ValidatorPreviousEpochCredits, "Vote credits earned in the previous epoch", validatorLabels...),
		NewGaugeDesc(ValidatorActivatedStake, "Activated stake delegated to the vote account", validatorLabels...),
		NewGaugeDesc(ValidatorCommission, "Vote account commission percentage", validatorLabels...),
		NewGaugeDesc(ValidatorLastVote, "Last slot voted on", validatorLabels...),
		NewGaugeDesc(ValidatorRootSlot, "Last rooted slot", validatorLabels...),
		NewGaugeDesc(ValidatorDelinquent, "Whether the node reports the validator as delinquent", validatorLabels...),
		NewGaugeDesc(ValidatorStalled, "Whether the root slot stopped advancing since the previous cycle", validatorLabels...),
		NewGaugeDesc(ValidatorRootStallSeconds, "Seconds since the root slot last advanced", validatorLabels...),
		NewGaugeDesc(ValidatorLeaderSlots, "Leader slots assigned so far in the current epoch", validatorLabels...),
		NewGaugeDesc(ValidatorBlocksProduced, "Blocks produced so far in the current epoch", validatorLabels...),
		NewGaugeDesc(ValidatorScheduledSlots, "Leader slots scheduled for the whole current epoch", validatorLabels...),
		NewGaugeDesc(NodeVersionInfo, "Software version advertised by a cluster node", IdentityLabel, VersionLabel),

		NewGaugeDesc(ValidatorVoteRewards, "Vote rewards paid to the vote account at the start of the current epoch", validatorLabels...),
		NewGaugeDesc(ValidatorStakingAPY, "Staking yield in percent of the current epoch's rewards, compounded over a year", validatorLabels...),
		NewGaugeDesc(ValidatorAverageStakingAPY, "Staking yield in percent averaged over the rewards lookback window", validatorLabels...),
		NewGaugeDesc(RewardsEpoch, "Newest epoch whose rewards are known"),

		NewGaugeDesc(GeoStakeByCountry, "Activated stake of cluster nodes per country", CountryLabel),
		NewGaugeDesc(GeoStakeByCity, "Activated stake of cluster nodes per city", CountryLabel, CityLabel),
		NewGaugeDesc(GeoNodesByCountry, "Cluster nodes per country", CountryLabel),

		NewGaugeDesc(ClusterEpoch, "Current epoch"),
		NewGaugeDesc(ClusterSlot, "Current slot"),
		NewGaugeDesc(ClusterBlockHeight, "Current block height"),
		NewGaugeDesc(ClusterEpochProgress, "Completed fraction of the current epoch"),
		NewGaugeDesc(ClusterValidators, "Vote accounts by state", StateLabel),
		NewGaugeDesc(ClusterStake, "Activated stake by state", StateLabel),
	} {
		DerivedDescs[d.Name] = d
	}
}

// Sample is one value of a derived metric.
type Sample struct {
	Name        string
	LabelValues []string
	Value       float64
}

// DerivedMetricSet is the output of one cycle. It is built by a single
// goroutine and must not be modified once published.
type DerivedMetricSet struct {
	samples     map[string]Sample
	order       []string
	PublishedAt time.Time
}

func NewDerivedMetricSet() *DerivedMetricSet {
	return &DerivedMetricSet{samples: make(map[string]Sample)}
}

func sampleKey(name string, labelValues []string) string {
	return name + "\xff" + strings.Join(labelValues, "\xff")
}

// Set records value for name and labels, replacing an earlier value for
// the same series.
func (s *DerivedMetricSet) Set(name string, value float64, labelValues ...string) {
	key := sampleKey(name, labelValues)
	if _, ok := s.samples[key]; !ok {
		s.order = append(s.order, key)
	}
	s.samples[key] = Sample{Name: name, LabelValues: labelValues, Value: value}
}

func (s *DerivedMetricSet) Get(name string, labelValues ...string) (float64, bool) {
	sample, ok := s.samples[sampleKey(name, labelValues)]
	return sample.Value, ok
}

func (s *DerivedMetricSet) Has(name string, labelValues ...string) bool {
	_, ok := s.samples[sampleKey(name, labelValues)]
	return ok
}

func (s *DerivedMetricSet) Len() int {
	return len(s.samples)
}

// Samples returns the samples in insertion order.
func (s *DerivedMetricSet) Samples() []Sample {
	out := make([]Sample, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.samples[key])
	}
	return out
}
