package validator

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-gateway/internal/types"
)

// pixelJPEG заголовок JPEG (SOI + APP0)
var pixelJPEG = base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'})

func frameWith(payload interface{}, format string) *types.VideoFrameData {
	raw, _ := json.Marshal(payload)
	return &types.VideoFrameData{FrameData: raw, Format: format}
}

func TestValidate_Valid(t *testing.T) {
	tests := []struct {
		name  string
		frame *types.VideoFrameData
	}{
		{"plain jpeg", frameWith(pixelJPEG, "jpeg")},
		{"data uri", frameWith("data:image/jpeg;base64,"+pixelJPEG, "jpeg")},
		{"png", frameWith(base64.StdEncoding.EncodeToString([]byte("png-bytes")), "png")},
		{"jpg alias", frameWith(pixelJPEG, "jpg")},
		{"default format", frameWith(pixelJPEG, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, Validate(tt.frame))
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame *types.VideoFrameData
		want  error
		code  string
	}{
		{"nil frame", nil, ErrMissingPayload, CodeMissingPayload},
		{"absent payload", &types.VideoFrameData{Format: "jpeg"}, ErrMissingPayload, CodeMissingPayload},
		{"null payload", &types.VideoFrameData{FrameData: json.RawMessage("null")}, ErrMissingPayload, CodeMissingPayload},
		{"number payload", frameWith(12345, "jpeg"), ErrInvalidPayloadType, CodeInvalidPayloadType},
		{"object payload", frameWith(map[string]string{"a": "b"}, "jpeg"), ErrInvalidPayloadType, CodeInvalidPayloadType},
		{"bad length", frameWith("abc", "jpeg"), ErrInvalidBase64, CodeInvalidBase64},
		{"bad chars", frameWith("ab!@", "jpeg"), ErrInvalidBase64, CodeInvalidBase64},
		{"empty after prefix", frameWith("data:image/png;base64,", "png"), ErrMissingPayload, CodeMissingPayload},
		{"unsupported format", frameWith(pixelJPEG, "gif"), ErrUnsupportedFormat, CodeUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, ErrorCode(err))
		})
	}
}

func TestValidate_SizeLimit(t *testing.T) {
	v := New(MaxFrameSize)

	exact := base64.StdEncoding.EncodeToString(make([]byte, MaxFrameSize))
	assert.NoError(t, v.Validate(frameWith(exact, "jpeg")))

	over := base64.StdEncoding.EncodeToString(make([]byte, MaxFrameSize+1))
	err := v.Validate(frameWith(over, "jpeg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, CodeFrameTooLarge, ErrorCode(err))
}

func TestValidate_CustomLimit(t *testing.T) {
	v := New(4)

	assert.NoError(t, v.Validate(frameWith(base64.StdEncoding.EncodeToString([]byte("1234")), "png")))
	assert.ErrorIs(t, v.Validate(frameWith(base64.StdEncoding.EncodeToString([]byte("12345")), "png")), ErrFrameTooLarge)
}

func TestDecode_ReturnsBytes(t *testing.T) {
	v := New(0)
	data, err := v.Decode(frameWith("data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("hello")), "png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestNormalizeFormat(t *testing.T) {
	f, err := NormalizeFormat(" JPG ")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", f)

	f, err = NormalizeFormat("PNG")
	require.NoError(t, err)
	assert.Equal(t, "png", f)

	_, err = NormalizeFormat("webp")
	assert.True(t, strings.Contains(err.Error(), "webp"))
}

func TestErrorCode_NonValidation(t *testing.T) {
	assert.Equal(t, "", ErrorCode(assert.AnError))
}
