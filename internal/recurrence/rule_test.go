package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndBefore(t *testing.T) {
	start := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	cut := time.Date(2026, 1, 23, 9, 0, 0, 0, time.UTC)

	t.Run("reduces count", func(t *testing.T) {
		got, err := EndBefore("FREQ=DAILY;COUNT=10", start, cut)
		require.NoError(t, err)
		assert.Contains(t, got, "COUNT=3")
	})

	t.Run("adds until to an open rule", func(t *testing.T) {
		got, err := EndBefore("RRULE:FREQ=DAILY", start, cut)
		require.NoError(t, err)
		assert.Contains(t, got, "UNTIL=20260123T085959Z")
		assert.NotContains(t, got, "COUNT")
	})

	t.Run("keeps an earlier until", func(t *testing.T) {
		got, err := EndBefore("FREQ=DAILY;UNTIL=20260121T090000Z", start, cut)
		require.NoError(t, err)
		assert.Contains(t, got, "UNTIL=20260121T090000Z")
	})

	t.Run("nothing left before the cut", func(t *testing.T) {
		got, err := EndBefore("FREQ=DAILY;COUNT=10", start, start)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("invalid rule", func(t *testing.T) {
		_, err := EndBefore("FREQ=SOMETIMES", start, cut)
		assert.ErrorIs(t, err, ErrInvalidRule)
	})
}

func TestRemainder(t *testing.T) {
	start := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	cut := time.Date(2026, 1, 23, 9, 0, 0, 0, time.UTC)

	got, err := Remainder("FREQ=DAILY;COUNT=10", start, cut)
	require.NoError(t, err)
	assert.Contains(t, got, "COUNT=7")

	got, err = Remainder("FREQ=WEEKLY;BYDAY=MO", start, cut)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", got)

	got, err = Remainder("FREQ=DAILY;COUNT=2", start, cut)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.True(t, IsBounded("FREQ=DAILY;COUNT=2"))
	assert.False(t, IsBounded("FREQ=DAILY"))
}

func TestFirstAtOrAfterAndHasInstance(t *testing.T) {
	start := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

	got, ok, err := FirstAtOrAfter("FREQ=WEEKLY;COUNT=4", start, start.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 27, 9, 0, 0, 0, time.UTC), got.UTC())

	_, ok, err = FirstAtOrAfter("FREQ=WEEKLY;COUNT=2", start, start.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := HasInstance("FREQ=DAILY", start, nil, start.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.True(t, has)

	has, err = HasInstance("FREQ=DAILY", start, []time.Time{start.AddDate(0, 0, 3)}, start.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.False(t, has)

	has, err = HasInstance("FREQ=DAILY", start, nil, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, has)
}
