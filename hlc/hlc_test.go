package hlc

import (
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cellsync/errors"
)

var start = time.Date(2024, 4, 12, 5, 13, 20, 831_000_000, time.UTC)

func TestTimestamp_StringParseRoundtrip(t *testing.T) {
	ts := New(start.UnixMilli(), 1, "5ef35ca3375b14c8")
	s := ts.String()
	assert.Equal(t, "2024-04-12T05:13:20.831Z-0001-5ef35ca3375b14c8", s)

	back, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, back.Equal(ts))
	assert.Equal(t, int64(1712898800831), back.Millis)
	assert.Equal(t, uint16(1), back.Counter)
	assert.Equal(t, "5ef35ca3375b14c8", back.Node)
}

func TestTimestamp_PadsShortNode(t *testing.T) {
	ts := New(1, 0, "a")
	assert.Equal(t, "000000000000000a", ts.Node)
	assert.Equal(t, "1970-01-01T00:00:00.001Z-0000-000000000000000a", ts.String())

	// Literal with unpadded node compares equal to padded form
	assert.True(t, Timestamp{Millis: 1, Node: "a"}.Equal(ts))
}

func TestTimestamp_StringOrderMatchesCompare(t *testing.T) {
	stamps := []Timestamp{
		New(5, 0, "b"),
		New(5, 0, "a"),
		New(4, 10, "z"),
		New(1712898800831, 0, "a"),
		New(5, 2, "a"),
		New(0, 0, "a"),
	}

	byCompare := append([]Timestamp(nil), stamps...)
	sort.Slice(byCompare, func(i, j int) bool { return byCompare[i].Compare(byCompare[j]) < 0 })

	byString := append([]Timestamp(nil), stamps...)
	sort.Slice(byString, func(i, j int) bool { return byString[i].String() < byString[j].String() })

	assert.Equal(t, byCompare, byString)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short", "2024-04-12T05:13:20.831Z-0000"},
		{"bad counter", "2024-04-12T05:13:20.831Z-00G0-5ef35ca3375b14c8"},
		{"bad time", "2024-13-12T05:13:20.831Z-0000-5ef35ca3375b14c8"},
		{"dash in node", "2024-04-12T05:13:20.831Z-0000-5ef35ca3-75b14c8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		})
	}
}

func TestTimestamp_Validate(t *testing.T) {
	assert.NoError(t, New(0, 0, "n").Validate())
	assert.NoError(t, New(MaxMillis, MaxCounter, "n").Validate())
	assert.Error(t, New(-1, 0, "n").Validate())
	assert.Error(t, New(MaxMillis+1, 0, "n").Validate())
	assert.Error(t, New(1, 0, "this-node-id-is-too-long").Validate())
	assert.Error(t, New(1, 0, "node\xff").Validate())
}

func TestTimestamp_TextMarshal(t *testing.T) {
	ts := New(start.UnixMilli(), 7, "node")
	b, err := ts.MarshalText()
	require.NoError(t, err)

	var back Timestamp
	require.NoError(t, back.UnmarshalText(b))
	assert.True(t, back.Equal(ts))
}

func TestNewNodeID(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	assert.Len(t, a, NodeIDLength)
	assert.NotEqual(t, a, b)
	assert.NoError(t, New(0, 0, a).Validate())
}

func TestClock_NowMonotonic(t *testing.T) {
	fake := clockwork.NewFakeClockAt(start)
	c := NewClock("local", WithClock(fake))

	first, err := c.Now()
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), first.Millis)
	assert.Equal(t, uint16(0), first.Counter)

	// Physical time stands still: counter advances
	second, err := c.Now()
	require.NoError(t, err)
	assert.Equal(t, first.Millis, second.Millis)
	assert.Equal(t, uint16(1), second.Counter)

	// Physical time moves: counter resets
	fake.Advance(time.Millisecond)
	third, err := c.Now()
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli()+1, third.Millis)
	assert.Equal(t, uint16(0), third.Counter)

	assert.Equal(t, -1, first.Compare(second))
	assert.Equal(t, -1, second.Compare(third))
}

func TestClock_NowNeverGoesBackwards(t *testing.T) {
	fake := clockwork.NewFakeClockAt(start)
	c := NewClock("local", WithClock(fake))

	require.NoError(t, c.Observe(New(start.UnixMilli()+500, 3, "remote")))

	ts, err := c.Now()
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli()+500, ts.Millis)
	assert.Equal(t, uint16(5), ts.Counter)
}

func TestClock_ObserveCases(t *testing.T) {
	phys := start.UnixMilli()

	tests := []struct {
		name        string
		local       Timestamp
		remote      Timestamp
		wantMillis  int64
		wantCounter uint16
	}{
		{"all equal takes max counter", New(phys, 4, "local"), New(phys, 5, "remote"), phys, 6},
		{"remote behind keeps local", New(phys+10, 4, "local"), New(phys-10, 9, "remote"), phys + 10, 5},
		{"remote ahead adopts remote", New(phys-10, 4, "local"), New(phys+10, 9, "remote"), phys + 10, 10},
		{"both behind resets", New(phys-10, 4, "local"), New(phys-20, 9, "remote"), phys, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClock("local", WithClock(clockwork.NewFakeClockAt(start)))
			c.last = tt.local

			require.NoError(t, c.Observe(tt.remote))
			last := c.Last()
			assert.Equal(t, tt.wantMillis, last.Millis)
			assert.Equal(t, tt.wantCounter, last.Counter)
		})
	}
}

func TestClock_ObserveErrors(t *testing.T) {
	c := NewClock("local", WithClock(clockwork.NewFakeClockAt(start)), WithMaxDrift(time.Second))

	err := c.Observe(New(start.UnixMilli(), 0, "local"))
	assert.True(t, errors.Is(err, ErrDuplicateNode))

	err = c.Observe(New(start.Add(2*time.Second).UnixMilli(), 0, "remote"))
	assert.True(t, errors.Is(err, ErrClockDrift))

	c.last = New(start.UnixMilli(), MaxCounter, "local")
	_, err = c.Now()
	assert.True(t, errors.Is(err, ErrCounterOverflow))
}
