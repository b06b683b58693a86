package pagination

import (
	"encoding/base64"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)
	id := "3f2b8c1e-7d4a-4b6e-9c2f-1a5d8e9b0c7f"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)
	assert.NotContains(t, encoded, "=")

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|run-1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	}
	for _, s := range tests {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, "cursor %q", s)
	}
}

func TestPrecedes(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "m"}

	assert.True(t, c.Precedes(at.Add(-time.Second), "z"), "older items follow the cursor")
	assert.False(t, c.Precedes(at.Add(time.Second), "a"), "newer items were already returned")
	assert.True(t, c.Precedes(at, "a"), "ties break on id descending")
	assert.False(t, c.Precedes(at, "m"), "the cursor item itself is excluded")
	assert.False(t, c.Precedes(at, "z"))

	var none *Cursor
	assert.True(t, none.Precedes(at, "anything"))
}

func TestNewer_MatchesPrecedes(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	type key struct {
		at time.Time
		id string
	}
	keys := []key{{at, "a"}, {at.Add(time.Minute), "b"}, {at, "c"}, {at.Add(-time.Minute), "d"}}
	sort.Slice(keys, func(i, j int) bool { return Newer(keys[i].at, keys[i].id, keys[j].at, keys[j].id) })

	assert.Equal(t, []string{"b", "c", "a", "d"}, []string{keys[0].id, keys[1].id, keys[2].id, keys[3].id})
	for i := 1; i < len(keys); i++ {
		c := &Cursor{CreatedAt: keys[i-1].at, ID: keys[i-1].id}
		assert.True(t, c.Precedes(keys[i].at, keys[i].id))
	}
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Equal(t, 3, len(result))
	assert.NotEmpty(t, cursor)
	assert.True(t, hasMore)

	// Verify cursor decodes to the last item
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
