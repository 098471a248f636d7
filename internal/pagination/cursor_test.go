package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	id := "0x9f3c0a"

	encoded := Encode(ts, id)
	assert.NotContains(t, encoded, "=")

	c, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, id, c.ID)
}

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		"bm9waXBl", // "nopipe"
		Encode(time.Now(), "")[:4],
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursorIncludes(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "0xm"}

	assert.True(t, c.Includes(at.Add(-time.Second), "0xz"), "older")
	assert.False(t, c.Includes(at.Add(time.Second), "0xa"), "newer")
	assert.True(t, c.Includes(at, "0xa"), "same instant, lower id")
	assert.False(t, c.Includes(at, "0xm"), "the cursor item itself")
	assert.False(t, c.Includes(at, "0xz"), "same instant, higher id")
}

func TestLimit(t *testing.T) {
	assert.Equal(t, 50, Limit(0, 50, 500))
	assert.Equal(t, 50, Limit(-3, 50, 500))
	assert.Equal(t, 50, Limit(501, 50, 500))
	assert.Equal(t, 20, Limit(20, 50, 500))
}

func TestComputePage(t *testing.T) {
	type item struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next, more := ComputePage(items, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(items, 3, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
