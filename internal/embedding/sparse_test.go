package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("func parseHTTPRequest(ctx context.Context) error { return get_user_by_id(utf8Decode) }")
	assert.Equal(t, []string{"parse", "http", "request", "context", "context", "error", "get", "user", "id", "utf8", "decode"}, tokens)
}

func TestSplitCamel(t *testing.T) {
	assert.Equal(t, []string{"get", "User", "By", "Id"}, splitCamel("getUserById"))
	assert.Equal(t, []string{"HTTP", "Handler"}, splitCamel("HTTPHandler"))
	assert.Equal(t, []string{"lower"}, splitCamel("lower"))
	assert.Nil(t, splitCamel(""))
}

func TestEncodeDocument(t *testing.T) {
	enc := NewSparseEncoder()
	v := enc.EncodeDocument("retry retry retry backoff")
	require.Len(t, v.Indices, 2)
	require.Len(t, v.Values, 2)
	assert.Less(t, v.Indices[0], v.Indices[1], "indices are sorted")

	byIndex := map[uint32]float32{}
	for i, idx := range v.Indices {
		byIndex[idx] = v.Values[i]
	}
	retry := byIndex[termIndex("retry")]
	backoff := byIndex[termIndex("backoff")]
	assert.Greater(t, retry, backoff, "higher term frequency weighs more")
	assert.Less(t, retry, float32(bm25K1+1), "term frequency saturates")

	assert.True(t, enc.EncodeDocument("a the of").Empty())
}

func TestEncodeQuery(t *testing.T) {
	v := NewSparseEncoder().EncodeQuery("Retry retry BACKOFF")
	require.Len(t, v.Indices, 2)
	assert.Equal(t, []float32{1, 1}, v.Values)
	assert.Equal(t, v.Indices, NewSparseEncoder().EncodeQuery("backoff retry").Indices)
}
