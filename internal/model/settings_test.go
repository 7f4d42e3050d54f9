package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMerge(t *testing.T) {
	t.Run("patch overrides only named fields", func(t *testing.T) {
		base := DefaultSettings()
		merged, err := base.Merge(SettingsPatch{
			Automation: map[string]bool{"friend_bad": true, "sell": false},
			Strategy:   strPtr("max_profit"),
		})
		require.NoError(t, err)

		assert.True(t, merged.Enabled(ActionFriendBad))
		assert.False(t, merged.Enabled(ActionSell))
		assert.Equal(t, StrategyMaxProfit, merged.Strategy)
		// untouched fields keep defaults
		assert.True(t, merged.Enabled(ActionFarm))
		assert.Equal(t, FertilizerBoth, merged.Fertilizer)
		// the receiver is not mutated
		assert.True(t, base.Enabled(ActionSell))
	})

	t.Run("unknown toggle key rejected at merge time", func(t *testing.T) {
		_, err := DefaultSettings().Merge(SettingsPatch{
			Automation: map[string]bool{"harvest_moon": true},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown action class")
	})

	t.Run("invalid enums rejected", func(t *testing.T) {
		_, err := DefaultSettings().Merge(SettingsPatch{Fertilizer: strPtr("mega")})
		require.Error(t, err)

		_, err = DefaultSettings().Merge(SettingsPatch{Strategy: strPtr("random")})
		require.Error(t, err)
	})

	t.Run("interval patch is normalized", func(t *testing.T) {
		merged, err := DefaultSettings().Merge(SettingsPatch{
			FarmInterval: &IntervalRange{MinSec: 0, MaxSec: -3},
		})
		require.NoError(t, err)
		assert.Equal(t, IntervalRange{MinSec: 1, MaxSec: 1}, merged.FarmInterval)
	})

	t.Run("quiet hours validated when enabled", func(t *testing.T) {
		_, err := DefaultSettings().Merge(SettingsPatch{
			QuietHours: &QuietHours{Enabled: true, Start: "25:00", End: "06:00"},
		})
		require.Error(t, err)
	})
}

func TestQuietHoursWindow(t *testing.T) {
	window := QuietHours{Enabled: true, Start: "23:00", End: "06:00"}

	tests := []struct {
		name   string
		minute int
		quiet  bool
	}{
		{"before window", 22*60 + 59, false},
		{"at start", 23 * 60, true},
		{"past midnight", 2 * 60, true},
		{"just before end", 5*60 + 59, true},
		{"at end", 6 * 60, false},
		{"midday", 12 * 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quiet, window.InWindow(tt.minute))
		})
	}

	t.Run("disabled window never quiet", func(t *testing.T) {
		off := QuietHours{Enabled: false, Start: "23:00", End: "06:00"}
		assert.False(t, off.InWindow(23*60))
	})

	t.Run("equal bounds mean always quiet", func(t *testing.T) {
		always := QuietHours{Enabled: true, Start: "08:00", End: "08:00"}
		assert.True(t, always.InWindow(0))
		assert.True(t, always.InWindow(12*60))
	})
}

func TestParseActionClass(t *testing.T) {
	class, err := ParseActionClass("friend_steal")
	require.NoError(t, err)
	assert.Equal(t, ActionFriendSteal, class)
	assert.True(t, class.IsWrite())

	_, err = ParseActionClass("teleport")
	require.Error(t, err)

	assert.False(t, ActionStatus.IsWrite())
	assert.True(t, ActionSettings.IsWrite())
}
