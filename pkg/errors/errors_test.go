package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrCoordinatesMissing, "no geocoding result").WithField("address", "nowhere")

	assert.True(t, IsErrorType(err, ErrCoordinatesMissing))
	assert.Equal(t, "nowhere", err.GetFields()["address"])
	assert.Contains(t, err.Error(), "no geocoding result")
}

func TestNewUnknownTool(t *testing.T) {
	err := NewUnknownTool("order_jetpack")

	assert.True(t, IsErrorType(err, ErrUnknownTool))
	assert.Equal(t, "UNKNOWN_TOOL", err.GetCode())
	assert.Equal(t, "order_jetpack", err.GetFields()["tool"])
	assert.Contains(t, err.Error(), "order_jetpack")
}

func TestNewMixerUnavailable(t *testing.T) {
	err := NewMixerUnavailable("ambience asset missing").WithField("asset", "assets/ambience.wav")

	assert.True(t, IsErrorType(err, ErrMixerUnavailable))
	assert.Equal(t, "MIXER_UNAVAILABLE", err.GetCode())
	assert.Equal(t, "assets/ambience.wav", err.GetFields()["asset"])
}

func TestNewMalformedEventRetainsRawFrame(t *testing.T) {
	err := NewMalformedEvent("transport", `{"event":`)

	assert.True(t, IsErrorType(err, ErrMalformedEvent))
	assert.Equal(t, "transport", err.GetFields()["source"])
	assert.Equal(t, `{"event":`, err.GetFields()["raw"])
}

func TestNewCollaboratorFailureUnwraps(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewCollaboratorFailure("geocoder", cause)

	assert.True(t, IsErrorType(err, ErrCollaboratorFailure))
	assert.Equal(t, "geocoder", err.GetFields()["collaborator"])
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLocationPointsAtCaller(t *testing.T) {
	err := New("something broke")
	require.NotEmpty(t, err.Location())
	assert.Contains(t, err.Location(), "errors_test.go")
}
