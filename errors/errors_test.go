package errors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCallerLocation(t *testing.T) {
	err := New("bad %s", "thing")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "[errors_test.go:"), err.Error())
	assert.Contains(t, err.Error(), "bad thing")
}

func TestWrapfKeepsChain(t *testing.T) {
	assert.NoError(t, Wrapf(nil, "ignored"))

	err := Wrapf(ErrConfiguration, "missing %s", "api_key")
	assert.True(t, Is(err, ErrConfiguration))
	assert.False(t, Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "missing api_key: configuration error")
}

func TestMessageDropsLocations(t *testing.T) {
	err := Wrapf(New("quota exceeded [429]"), "failed to send message")
	assert.Contains(t, err.Error(), "[errors_test.go:")
	assert.Equal(t, "failed to send message: quota exceeded [429]", Message(err))
	assert.Equal(t, "", Message(nil))
}
