package event

import "time"

// AlertKind names the category of a platform notification.
type AlertKind string

const (
	AlertStreamOnline  AlertKind = "online"
	AlertStreamOffline AlertKind = "offline"
	AlertFollow        AlertKind = "follow"
	AlertRaid          AlertKind = "raid"
	AlertSubscribe     AlertKind = "subscribe"
	AlertResubscribe   AlertKind = "resubscribe"
	AlertGifted        AlertKind = "gifted"
	AlertRedemption    AlertKind = "redemption"
)

// TierPrime is kept verbatim; numeric tiers are reduced to their first digit.
const TierPrime = "Prime"

// Alert is a display-facing fact derived from a notification. Fresh is true
// for a live push and false for a replay; front-ends clear it after the
// first render.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Fresh   bool      `json:"fresh"`
	User    string    `json:"user,omitempty"`
	Viewers int       `json:"viewers,omitempty"`
	Tier    string    `json:"tier,omitempty"`
	Months  int       `json:"months,omitempty"`
	Streak  int       `json:"streak,omitempty"`
	Total   int       `json:"total,omitempty"`
	Message string    `json:"message,omitempty"`
	Reward  string    `json:"reward,omitempty"`
	Input   string    `json:"input,omitempty"`
	At      time.Time `json:"at"`
}

// NormalizeTier maps a platform tier ("1000", "2000", "3000", "Prime") to
// the display form ("1", "2", "3", "Prime").
func NormalizeTier(tier string) string {
	if tier == "" || tier == TierPrime {
		return tier
	}
	return tier[:1]
}
