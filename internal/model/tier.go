package model

import "fmt"

// Tier is a subscription level. It determines the resource budget and the
// latency targets the engine is held to.
type Tier string

const (
	TierTrial   Tier = "trial"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// AllTiers lists the known tiers.
var AllTiers = []Tier{TierTrial, TierBasic, TierPremium}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierTrial, TierBasic, TierPremium:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// NetworkQuality is the collaborator-reported link quality.
type NetworkQuality string

const (
	NetworkExcellent NetworkQuality = "excellent"
	NetworkGood      NetworkQuality = "good"
	NetworkFair      NetworkQuality = "fair"
	NetworkPoor      NetworkQuality = "poor"
	NetworkOffline   NetworkQuality = "offline"
)

// ParseNetworkQuality validates a network quality name.
func ParseNetworkQuality(s string) (NetworkQuality, error) {
	switch NetworkQuality(s) {
	case NetworkExcellent, NetworkGood, NetworkFair, NetworkPoor, NetworkOffline:
		return NetworkQuality(s), nil
	}
	return "", fmt.Errorf("unknown network quality %q", s)
}

// Degraded reports whether round trips are expensive enough to batch harder.
func (q NetworkQuality) Degraded() bool {
	return q == NetworkPoor || q == NetworkOffline
}
