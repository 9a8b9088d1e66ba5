package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorFormatting(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := FetchError("provider call failed", cause)

	assert.Contains(t, err.Error(), "fetch")
	assert.Contains(t, err.Error(), "provider call failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := PersistenceError("could not save watermark", cause)

	assert.True(t, stderrors.Is(err, cause))
}

func TestUnknownServiceError(t *testing.T) {
	err := UnknownServiceError("evernote")

	assert.Equal(t, ErrTypeUnknownService, err.Type)
	assert.Contains(t, err.Error(), "evernote")
	assert.Equal(t, "evernote", err.Context["service"])
}

func TestIsType(t *testing.T) {
	err := DeliveryError("post failed", nil)

	assert.True(t, IsType(err, ErrTypeDelivery))
	assert.False(t, IsType(err, ErrTypeFetch))
	assert.False(t, IsType(stderrors.New("plain"), ErrTypeDelivery))
}

func TestIsTypeWrapped(t *testing.T) {
	err := fmt.Errorf("trigger 42: %w", FetchError("timeout", nil))

	assert.True(t, IsType(err, ErrTypeFetch))
	assert.Equal(t, ErrTypeFetch, GetType(err))
}

func TestGetTypePlainError(t *testing.T) {
	assert.Equal(t, ErrTypeInternal, GetType(stderrors.New("boom")))
}

func TestWithContext(t *testing.T) {
	err := FetchError("bad response", nil).WithContext("status", 502)

	assert.Equal(t, 502, err.Context["status"])
	assert.Contains(t, err.Error(), "status=502")
}
