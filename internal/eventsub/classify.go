package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/john/streambot/internal/event"
)

// Notification categories registered on every new session.
const (
	CategoryStreamOnline  = "stream.online"
	CategoryStreamOffline = "stream.offline"
	CategoryFollow        = "channel.follow"
	CategoryRaid          = "channel.raid"
	CategorySubscribe     = "channel.subscribe"
	CategoryResubscribe   = "channel.subscription.message"
	CategoryGift          = "channel.subscription.gift"
	CategoryRedemption    = "channel.channel_points_custom_reward_redemption.add"
)

// Categories lists every tracked category in registration order.
var Categories = []string{
	CategoryStreamOnline,
	CategoryStreamOffline,
	CategoryFollow,
	CategoryRaid,
	CategorySubscribe,
	CategoryResubscribe,
	CategoryGift,
	CategoryRedemption,
}

// notificationEvent is the union of the event fields read across all
// tracked categories.
type notificationEvent struct {
	UserName                string `json:"user_name"`
	BroadcasterUserName     string `json:"broadcaster_user_name"`
	FromBroadcasterUserName string `json:"from_broadcaster_user_name"`
	Viewers                 int    `json:"viewers"`
	Tier                    string `json:"tier"`
	IsGift                  bool   `json:"is_gift"`
	IsAnonymous             bool   `json:"is_anonymous"`
	CumulativeMonths        int    `json:"cumulative_months"`
	StreakMonths            *int   `json:"streak_months"`
	Total                   int    `json:"total"`
	UserInput               string `json:"user_input"`
	Message                 struct {
		Text string `json:"text"`
	} `json:"message"`
	Reward struct {
		Title string `json:"title"`
	} `json:"reward"`
}

// Classify translates one notification event into a fresh alert. ok is
// false for categories that are not tracked.
func Classify(category string, raw json.RawMessage, at time.Time) (alert event.Alert, ok bool, err error) {
	var ev notificationEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return event.Alert{}, false, fmt.Errorf("decode %s event: %w", category, err)
	}

	alert = event.Alert{Fresh: true, At: at}
	switch category {
	case CategoryStreamOnline:
		alert.Kind = event.AlertStreamOnline
		alert.User = ev.BroadcasterUserName
	case CategoryStreamOffline:
		alert.Kind = event.AlertStreamOffline
		alert.User = ev.BroadcasterUserName
	case CategoryFollow:
		alert.Kind = event.AlertFollow
		alert.User = ev.UserName
	case CategoryRaid:
		alert.Kind = event.AlertRaid
		alert.User = ev.FromBroadcasterUserName
		alert.Viewers = ev.Viewers
	case CategorySubscribe:
		alert.Kind = event.AlertSubscribe
		if ev.IsGift {
			alert.Kind = event.AlertGifted
		}
		alert.User = ev.UserName
		alert.Tier = event.NormalizeTier(ev.Tier)
	case CategoryResubscribe:
		alert.Kind = event.AlertResubscribe
		alert.User = ev.UserName
		alert.Tier = event.NormalizeTier(ev.Tier)
		alert.Months = ev.CumulativeMonths
		if ev.StreakMonths != nil {
			alert.Streak = *ev.StreakMonths
		}
		alert.Message = ev.Message.Text
	case CategoryGift:
		alert.Kind = event.AlertGifted
		alert.User = ev.UserName
		if ev.IsAnonymous || alert.User == "" {
			alert.User = "Anonymous"
		}
		alert.Tier = event.NormalizeTier(ev.Tier)
		alert.Total = ev.Total
	case CategoryRedemption:
		alert.Kind = event.AlertRedemption
		alert.User = ev.UserName
		alert.Reward = ev.Reward.Title
		alert.Input = ev.UserInput
	default:
		return event.Alert{}, false, nil
	}
	return alert, true, nil
}
