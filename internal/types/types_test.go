package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_VideoFrame(t *testing.T) {
	raw := []byte(`{"type":"video_frame","timestamp":1,"data":{"frameData":"AAAA","format":"jpeg","timestamp":42,"width":100,"height":100,"cameraFacing":"user","quality":"high"}}`)

	msg, kind, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeVideoFrame, kind)

	frame, ok := msg.(*VideoFrameMessage)
	require.True(t, ok)
	assert.Equal(t, `"AAAA"`, string(frame.Data.FrameData))
	assert.Equal(t, "jpeg", frame.Data.Format)
	assert.Equal(t, int64(42), frame.Data.Timestamp)
	assert.Equal(t, int32(100), frame.Data.Width)
	assert.Equal(t, "user", frame.Data.CameraFacing)
}

func TestDecode_Ping(t *testing.T) {
	msg, _, err := Decode([]byte(`{"type":"ping","data":{"timestamp":123}}`))
	require.NoError(t, err)

	ping, ok := msg.(*PingMessage)
	require.True(t, ok)
	assert.Equal(t, int64(123), ping.Data.Timestamp)
}

func TestDecode_UnknownType(t *testing.T) {
	_, kind, err := Decode([]byte(`{"type":"subscribe","data":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	assert.Equal(t, MessageType("subscribe"), kind)
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, _, err := Decode([]byte(`not json`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownMessageType)

	_, _, err = Decode([]byte(`{"data":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestDecode_NullData(t *testing.T) {
	msg, _, err := Decode([]byte(`{"type":"ping","data":null}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Kind())
}

func TestEncode_RoundTripThroughDecode(t *testing.T) {
	raw, err := Encode(TypeProcessedFrame, ProcessedFrameData{
		SessionID: "s-1",
		FrameData: "AAAA",
		Format:    "png",
		Timestamp: 7,
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeProcessedFrame, env.Type)
	assert.NotZero(t, env.Timestamp)

	msg, _, err := Decode(raw)
	require.NoError(t, err)
	processed := msg.(*ProcessedFrameMessage)
	assert.Equal(t, "s-1", processed.Data.SessionID)
	assert.Equal(t, "png", processed.Data.Format)
}

func TestNewError(t *testing.T) {
	e := NewError(CodeStreamError, "boom")
	assert.Equal(t, CodeStreamError, e.Code)
	assert.Equal(t, "boom", e.Message)
	assert.NotZero(t, e.Timestamp)
}
