package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode("aud_0190f3c2")
	require.NotEmpty(t, encoded)

	id, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "aud_0190f3c2", id)
}

func TestDecode_Empty(t *testing.T) {
	id, err := Decode("")
	assert.NoError(t, err)
	assert.Empty(t, id)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not base64!!!")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cursor")
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("abc"))
	assert.Equal(t, DefaultLimit, ParseLimit("-4"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestBuild_NoMore(t *testing.T) {
	page := Build([]string{"a", "b", "c"}, 5, func(s string) string { return s })
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestBuild_HasMore(t *testing.T) {
	page := Build([]string{"a", "b", "c", "d"}, 3, func(s string) string { return s })
	assert.Equal(t, []string{"a", "b", "c"}, page.Items)
	assert.True(t, page.HasMore)

	next, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "c", next)
}

func TestBuild_NilIsEmptySlice(t *testing.T) {
	page := Build[string](nil, 10, func(s string) string { return s })
	assert.NotNil(t, page.Items)
}
