package calendar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/calendar"
)

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func londonOnly(t *testing.T) *calendar.Calendar {
	t.Helper()
	c, err := calendar.New(calendar.Config{
		Sessions: []calendar.SessionConfig{
			{Name: "london", Timezone: "Europe/London", Days: []string{"mon", "tue", "wed", "thu", "fri"}, Open: "08:00", Close: "17:00"},
			{Name: "night", Timezone: "Europe/London", Days: []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}, Open: "22:00", Close: "06:00"},
		},
		Instruments: map[string][]string{
			"EURGBP": {"london"},
			"GBPCHF": {"night"},
		},
	})
	require.NoError(t, err)
	return c
}

func openMinutes(c *calendar.Calendar, sym string, from, to time.Time) int {
	n := 0
	for t := from; t.Before(to); t = t.Add(time.Minute) {
		if c.IsOpen(sym, t) {
			n++
		}
	}
	return n
}

func TestIsOpen_Boundaries(t *testing.T) {
	c := londonOnly(t)
	// 2024-01-10 is a Wednesday; London is on GMT.
	assert.False(t, c.IsOpen("EURGBP", utc("2024-01-10T07:59:59Z")))
	assert.True(t, c.IsOpen("EURGBP", utc("2024-01-10T08:00:00Z")), "open instant is inclusive")
	assert.True(t, c.IsOpen("EURGBP", utc("2024-01-10T16:59:59Z")))
	assert.False(t, c.IsOpen("EURGBP", utc("2024-01-10T17:00:00Z")), "close instant is exclusive")
}

func TestIsOpen_FollowsDST(t *testing.T) {
	c := londonOnly(t)
	// Friday before the March 2024 change: GMT, opens 08:00 UTC.
	assert.True(t, c.IsOpen("EURGBP", utc("2024-03-29T08:00:00Z")))
	assert.False(t, c.IsOpen("EURGBP", utc("2024-03-29T07:00:00Z")))
	// Monday after: BST, opens 07:00 UTC and closes 16:00 UTC.
	assert.True(t, c.IsOpen("EURGBP", utc("2024-04-01T07:00:00Z")))
	assert.False(t, c.IsOpen("EURGBP", utc("2024-04-01T16:00:00Z")))

	before := openMinutes(c, "EURGBP", utc("2024-03-29T00:00:00Z"), utc("2024-03-30T00:00:00Z"))
	after := openMinutes(c, "EURGBP", utc("2024-04-01T00:00:00Z"), utc("2024-04-02T00:00:00Z"))
	assert.Equal(t, 9*60, before)
	assert.Equal(t, 9*60, after)
}

func TestIsOpen_WindowAcrossDSTTransition(t *testing.T) {
	c := londonOnly(t)

	// Clocks go forward at 01:00 UTC on 2024-03-31: the 22:00-06:00 local
	// window is one hour shorter in UTC.
	spring := openMinutes(c, "GBPCHF", utc("2024-03-30T20:00:00Z"), utc("2024-03-31T08:00:00Z"))
	assert.Equal(t, 7*60, spring)
	assert.True(t, c.IsOpen("GBPCHF", utc("2024-03-31T04:59:00Z")))
	assert.False(t, c.IsOpen("GBPCHF", utc("2024-03-31T05:00:00Z")))

	// Clocks go back at 01:00 UTC on 2024-10-27: one hour longer.
	autumn := openMinutes(c, "GBPCHF", utc("2024-10-26T20:00:00Z"), utc("2024-10-27T08:00:00Z"))
	assert.Equal(t, 9*60, autumn)
	assert.True(t, c.IsOpen("GBPCHF", utc("2024-10-26T21:00:00Z")))
	assert.False(t, c.IsOpen("GBPCHF", utc("2024-10-26T20:59:00Z")))
}

func TestNextOpen_Weekend(t *testing.T) {
	c := calendar.Default()
	sat := utc("2024-03-02T12:00:00Z")

	require.False(t, c.IsOpen("EURUSD", sat))
	// Monday 07:00 in Sydney (AEDT, UTC+11) is Sunday 20:00 UTC.
	assert.Equal(t, utc("2024-03-03T20:00:00Z"), c.NextOpen("EURUSD", sat))
	assert.True(t, c.IsOpen("EURUSD", utc("2024-03-03T20:00:00Z")))
}

func TestNextOpen_WhenOpenReturnsSameInstant(t *testing.T) {
	c := londonOnly(t)
	at := utc("2024-01-10T10:00:00Z")
	assert.Equal(t, at, c.NextOpen("EURGBP", at))
	assert.Equal(t, utc("2024-01-11T08:00:00Z"), c.NextOpen("EURGBP", utc("2024-01-10T17:00:00Z")))
}

func TestDefaults_ByAssetClass(t *testing.T) {
	c := calendar.Default()

	assert.True(t, c.IsOpen("BTCUSD", utc("2024-03-02T12:00:00Z")), "crypto trades on weekends")
	assert.Equal(t, []string{"always"}, c.SessionsFor("btc/usd"))

	// 09:30 New York (EST) is 14:30 UTC.
	assert.False(t, c.IsOpen("US30", utc("2024-03-04T14:29:00Z")))
	assert.True(t, c.IsOpen("US30", utc("2024-03-04T14:30:00Z")))

	assert.Equal(t, []string{"london", "new_york", "sydney", "tokyo"}, c.SessionsFor("xauusd.m"))
}

func TestUnmappedSymbol_TreatedAsOpen(t *testing.T) {
	c := calendar.Default()
	sat := utc("2024-03-02T12:00:00Z")

	assert.True(t, c.IsOpen("WIDGET9", sat))
	assert.True(t, c.IsOpen("WIDGET9", sat))
	assert.Equal(t, sat, c.NextOpen("WIDGET9", sat))
	assert.Empty(t, c.SessionsFor("WIDGET9"))
}

func TestNew_UnknownSession(t *testing.T) {
	_, err := calendar.New(calendar.Config{
		Instruments: map[string][]string{"EURUSD": {"nowhere"}},
	})
	assert.ErrorIs(t, err, calendar.ErrUnknownSession)

	_, err = calendar.New(calendar.Config{
		Sessions: []calendar.SessionConfig{{Name: "x", Timezone: "UTC", Days: []string{"mon"}, Open: "25:00", Close: "10:00"}},
	})
	assert.ErrorIs(t, err, calendar.ErrBadWindow)
}

func BenchmarkIsOpen(b *testing.B) {
	c := calendar.Default()
	t0 := utc("2024-03-04T12:00:00Z")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.IsOpen("EURUSD", t0.Add(time.Duration(i)*time.Second))
	}
}
