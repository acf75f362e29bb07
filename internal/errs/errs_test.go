package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("upsert batch 3: %w", Transient("qdrant upsert", cause))

	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, IsKind(err, KindTransient))
	assert.False(t, IsKind(err, KindContent))
	assert.ErrorIs(t, err, cause)
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindConfig))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "content: empty file", Content("empty file", nil).Error())
	assert.Equal(t, "config: bad scope: unknown", Config("bad scope", errors.New("unknown")).Error())
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(fmt.Errorf("run: %w", context.Canceled)))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(Consistency("mapping missing", nil)))
}
