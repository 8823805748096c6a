package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("load chat: %w", NotFound("chat not found"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrForbidden)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindUpstream, "could not reach assistant", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, "could not reach assistant: connection reset", err.Error())
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "chat not found", PublicMessage(NotFound("chat not found")))
	assert.Equal(t, "forbidden", PublicMessage(&Error{Kind: KindForbidden}))
	assert.Equal(t, "internal server error", PublicMessage(errors.New("pq: password authentication failed")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}
