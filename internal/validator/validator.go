// Package validator проверяет входящие видеофреймы до отправки в видео-сервис.
package validator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stream-gateway/internal/types"
)

// MaxFrameSize лимит декодированного кадра по умолчанию
const MaxFrameSize = 10 * 1024 * 1024 // 10MB

// Коды ошибок валидации
const (
	CodeMissingPayload     = "MISSING_PAYLOAD"
	CodeInvalidPayloadType = "INVALID_PAYLOAD_TYPE"
	CodeInvalidBase64      = "INVALID_BASE64"
	CodeFrameTooLarge      = "FRAME_TOO_LARGE"
	CodeUnsupportedFormat  = "UNSUPPORTED_FORMAT"
)

var (
	ErrMissingPayload     = errors.New("frame payload is missing")
	ErrInvalidPayloadType = errors.New("frame payload must be a base64 string")
	ErrInvalidBase64      = errors.New("frame payload is not valid base64")
	ErrFrameTooLarge      = errors.New("frame payload exceeds size limit")
	ErrUnsupportedFormat  = errors.New("unsupported frame format")
)

// ValidationError ошибка валидации кадра
type ValidationError struct {
	Code string
	Err  error
	msg  string
}

func (e *ValidationError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newError(code string, err error, format string, args ...interface{}) *ValidationError {
	ve := &ValidationError{Code: code, Err: err}
	if format != "" {
		ve.msg = fmt.Sprintf("%s: %s", err.Error(), fmt.Sprintf(format, args...))
	}
	return ve
}

// Validator валидатор с настраиваемым лимитом размера
type Validator struct {
	maxFrameSize int
}

// New создает валидатор. maxFrameSize <= 0 означает лимит по умолчанию.
func New(maxFrameSize int) *Validator {
	if maxFrameSize <= 0 {
		maxFrameSize = MaxFrameSize
	}
	return &Validator{maxFrameSize: maxFrameSize}
}

var defaultValidator = New(MaxFrameSize)

// Validate проверяет кадр лимитом по умолчанию
func Validate(frame *types.VideoFrameData) error {
	return defaultValidator.Validate(frame)
}

// Validate проверяет кадр без побочных эффектов
func (v *Validator) Validate(frame *types.VideoFrameData) error {
	_, err := v.Decode(frame)
	return err
}

// Decode проверяет кадр и возвращает декодированные байты
func (v *Validator) Decode(frame *types.VideoFrameData) ([]byte, error) {
	if frame == nil {
		return nil, newError(CodeMissingPayload, ErrMissingPayload, "")
	}

	if _, err := NormalizeFormat(frame.Format); err != nil {
		return nil, err
	}

	raw := frame.FrameData
	if len(raw) == 0 || string(raw) == "null" {
		return nil, newError(CodeMissingPayload, ErrMissingPayload, "")
	}
	if raw[0] != '"' {
		return nil, newError(CodeInvalidPayloadType, ErrInvalidPayloadType, "")
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, newError(CodeInvalidPayloadType, ErrInvalidPayloadType, "%v", err)
	}
	encoded = stripDataURI(encoded)
	if encoded == "" {
		return nil, newError(CodeMissingPayload, ErrMissingPayload, "")
	}

	// Размер проверяется по длине строки, до декодирования
	if len(encoded)%4 != 0 {
		return nil, newError(CodeInvalidBase64, ErrInvalidBase64, "length %d is not a multiple of 4", len(encoded))
	}
	if size := decodedLen(encoded); size > v.maxFrameSize {
		return nil, newError(CodeFrameTooLarge, ErrFrameTooLarge, "%d bytes > %d bytes", size, v.maxFrameSize)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, newError(CodeInvalidBase64, ErrInvalidBase64, "%v", err)
	}
	return data, nil
}

// NormalizeFormat приводит формат к jpeg/png. Пустой формат - jpeg.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "jpeg", "jpg":
		return "jpeg", nil
	case "png":
		return "png", nil
	default:
		return "", newError(CodeUnsupportedFormat, ErrUnsupportedFormat, "%q", format)
	}
}

// stripDataURI убирает префикс data:<mime>;base64,
func stripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		return s[idx+len(";base64,"):]
	}
	return s
}

func decodedLen(encoded string) int {
	n := len(encoded) / 4 * 3
	if strings.HasSuffix(encoded, "==") {
		n -= 2
	} else if strings.HasSuffix(encoded, "=") {
		n--
	}
	return n
}

// ErrorCode возвращает код ошибки валидации или пустую строку
func ErrorCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
