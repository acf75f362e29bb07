package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/errs"
)

// fakeDense returns a vector whose first element is the text length and
// fails any call that includes a text containing "poison".
type fakeDense struct {
	model string
	mu    sync.Mutex
	calls int
}

func (f *fakeDense) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "poison") {
			return nil, errors.New("upstream 500")
		}
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *fakeDense) Model() string  { return f.model }
func (f *fakeDense) Dimension() int { return 2 }

func (f *fakeDense) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestGateway_RoutesByKind(t *testing.T) {
	text := &fakeDense{model: "text-model"}
	code := &fakeDense{model: "code-model"}
	g, err := NewGateway(text, code, NewSparseEncoder(), 0, nil)
	require.NoError(t, err)

	chunks := []chunk.Chunk{
		{ID: "1", Kind: chunk.KindCode, Content: "func retryLoop() {}"},
		{ID: "2", Kind: chunk.KindText, Content: "Retry loops back off."},
		{ID: "3", Kind: chunk.KindCode, Content: "type Backoff struct{}"},
	}
	done, failed, err := g.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Empty(t, failed)
	require.Len(t, done, 3)
	assert.Equal(t, 1, text.callCount())
	assert.Equal(t, 1, code.callCount())
	for _, e := range done {
		assert.Len(t, e.Dense, 2)
		assert.False(t, e.Sparse.Empty())
	}
	assert.True(t, g.Hybrid())
}

func TestGateway_BatchFailureFallsBackPerChunk(t *testing.T) {
	dense := &fakeDense{model: "m"}
	g, err := NewGateway(dense, dense, nil, 0, nil)
	require.NoError(t, err)

	var chunks []chunk.Chunk
	for i := 0; i < 50; i++ {
		content := "ordinary text"
		if i == 7 || i == 31 {
			content = "poison pill"
		}
		chunks = append(chunks, chunk.Chunk{ID: string(rune('A' + i)), Kind: chunk.KindText, Content: content})
	}

	done, failed, err := g.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.Len(t, done, 48)
	require.Len(t, failed, 2)
	for _, f := range failed {
		assert.Contains(t, f.Chunk.Content, "poison")
		assert.True(t, errs.IsKind(f.Err, errs.KindTransient))
	}
	assert.Nil(t, done[0].Sparse.Indices, "sparse disabled")
}

func TestGateway_CancelledContext(t *testing.T) {
	dense := &fakeDense{model: "m"}
	g, err := NewGateway(dense, dense, nil, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = g.EmbedChunks(ctx, []chunk.Chunk{{ID: "x", Kind: chunk.KindText, Content: "poison"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateway_EmbedQueryCachesAndSharesRoute(t *testing.T) {
	shared := &fakeDense{model: "m"}
	g, err := NewGateway(shared, shared, NewSparseEncoder(), 4, nil)
	require.NoError(t, err)

	qv, err := g.EmbedQuery(context.Background(), "retry policy")
	require.NoError(t, err)
	assert.Equal(t, qv.Text, qv.Code)
	assert.False(t, qv.Sparse.Empty())
	assert.Equal(t, 1, shared.callCount())

	_, err = g.EmbedQuery(context.Background(), "retry policy")
	require.NoError(t, err)
	assert.Equal(t, 1, shared.callCount(), "second query is served from cache")

	text := &fakeDense{model: "t"}
	code := &fakeDense{model: "c"}
	g, err = NewGateway(text, code, nil, 0, nil)
	require.NoError(t, err)
	_, err = g.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 1, text.callCount())
	assert.Equal(t, 1, code.callCount())

	_, err = g.EmbedQuery(context.Background(), "poison")
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestNewGateway_RequiresRoutes(t *testing.T) {
	_, err := NewGateway(nil, &fakeDense{}, nil, 0, nil)
	assert.Error(t, err)
}
