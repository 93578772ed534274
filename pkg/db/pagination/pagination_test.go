package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", cursor.CreatedAt)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.Error(t, err)
}

func TestTrimAndPageInfo(t *testing.T) {
	rows, more := Trim([]int{1, 2, 3}, 2)
	assert.Equal(t, []int{1, 2}, rows)
	assert.True(t, more)

	info := BuildCursorPageInfo(rows, more, func(v int) Cursor { return Cursor{ID: "id"} })
	assert.True(t, info.HasMore)
	assert.NotEmpty(t, info.NextPageToken)

	rows, more = Trim([]int{1}, 2)
	info = BuildCursorPageInfo(rows, more, func(v int) Cursor { return Cursor{} })
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Limit(0))
	assert.Equal(t, MaxPageSize, Limit(1000))
	assert.Equal(t, 7, Limit(7))
}
