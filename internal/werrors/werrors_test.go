package werrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := Retryable(KindStatus5xx, "upstream returned 503")
	wrapped := fmt.Errorf("fetch page: %w", base)

	assert.Equal(t, KindStatus5xx, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestUnclassifiedIsPermanent(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestErrorStringIncludesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapRetryable(cause, KindTransport, "GET failed")

	assert.Contains(t, err.Error(), "transport_error")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestPermanentConstructors(t *testing.T) {
	assert.False(t, IsRetryable(New(KindBlockedURL, "loopback target")))
	assert.False(t, IsRetryable(Newf(KindOversize, "body over %d bytes", 10<<20)))
	assert.False(t, IsRetryable(Wrap(errors.New("x"), KindContentMismatch, "not a pdf")))
}
