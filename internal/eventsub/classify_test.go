package eventsub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func classify(t *testing.T, category, raw string) event.Alert {
	t.Helper()
	alert, ok, err := Classify(category, json.RawMessage(raw), at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, alert.Fresh)
	assert.Equal(t, at, alert.At)
	return alert
}

func TestClassify_SubscribeTiers(t *testing.T) {
	alert := classify(t, CategorySubscribe, `{"user_name":"viewer","tier":"2000","is_gift":false}`)
	assert.Equal(t, event.AlertSubscribe, alert.Kind)
	assert.Equal(t, "2", alert.Tier)
	assert.Equal(t, "viewer", alert.User)

	alert = classify(t, CategorySubscribe, `{"user_name":"viewer","tier":"Prime","is_gift":false}`)
	assert.Equal(t, "Prime", alert.Tier)

	alert = classify(t, CategorySubscribe, `{"user_name":"viewer","tier":"1000","is_gift":true}`)
	assert.Equal(t, event.AlertGifted, alert.Kind)
	assert.Equal(t, "1", alert.Tier)
}

func TestClassify_Resubscribe(t *testing.T) {
	alert := classify(t, CategoryResubscribe,
		`{"user_name":"loyal","tier":"3000","message":{"text":"hi!"},"cumulative_months":14,"streak_months":3}`)
	assert.Equal(t, event.AlertResubscribe, alert.Kind)
	assert.Equal(t, "3", alert.Tier)
	assert.Equal(t, 14, alert.Months)
	assert.Equal(t, 3, alert.Streak)
	assert.Equal(t, "hi!", alert.Message)

	alert = classify(t, CategoryResubscribe, `{"user_name":"shy","tier":"1000","cumulative_months":2,"streak_months":null}`)
	assert.Zero(t, alert.Streak)
}

func TestClassify_Gift(t *testing.T) {
	alert := classify(t, CategoryGift, `{"user_name":"generous","total":5,"tier":"1000","is_anonymous":false}`)
	assert.Equal(t, event.AlertGifted, alert.Kind)
	assert.Equal(t, 5, alert.Total)
	assert.Equal(t, "generous", alert.User)

	alert = classify(t, CategoryGift, `{"user_name":null,"total":1,"tier":"1000","is_anonymous":true}`)
	assert.Equal(t, "Anonymous", alert.User)
}

func TestClassify_Others(t *testing.T) {
	alert := classify(t, CategoryFollow, `{"user_name":"newfan"}`)
	assert.Equal(t, event.AlertFollow, alert.Kind)
	assert.Equal(t, "newfan", alert.User)

	alert = classify(t, CategoryRaid, `{"from_broadcaster_user_name":"raider","viewers":120}`)
	assert.Equal(t, event.AlertRaid, alert.Kind)
	assert.Equal(t, "raider", alert.User)
	assert.Equal(t, 120, alert.Viewers)

	alert = classify(t, CategoryStreamOnline, `{"broadcaster_user_name":"me","type":"live"}`)
	assert.Equal(t, event.AlertStreamOnline, alert.Kind)

	alert = classify(t, CategoryStreamOffline, `{"broadcaster_user_name":"me"}`)
	assert.Equal(t, event.AlertStreamOffline, alert.Kind)

	alert = classify(t, CategoryRedemption, `{"user_name":"x","user_input":"play jazz","reward":{"title":"Song pick"}}`)
	assert.Equal(t, event.AlertRedemption, alert.Kind)
	assert.Equal(t, "Song pick", alert.Reward)
	assert.Equal(t, "play jazz", alert.Input)
}

func TestClassify_UnknownAndMalformed(t *testing.T) {
	_, ok, err := Classify("channel.update", json.RawMessage(`{}`), at)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Classify(CategoryRaid, json.RawMessage(`{"viewers":"many"}`), at)
	assert.Error(t, err)
}
