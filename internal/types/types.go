package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType тип сообщения WebSocket протокола
type MessageType string

const (
	// client -> server
	TypeVideoFrame MessageType = "video_frame"
	TypePing       MessageType = "ping"

	// server -> client
	TypeConnectionEstablished MessageType = "connection_established"
	TypeProcessedFrame        MessageType = "processed_frame"
	TypePong                  MessageType = "pong"
	TypeError                 MessageType = "error"
)

// Коды ошибок, отправляемые клиенту в сообщении error
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeBackpressure       = "BACKPRESSURE"
	CodeStreamError        = "STREAM_ERROR"
	CodeStreamEnded        = "STREAM_ENDED"
	CodeStreamUnavailable  = "STREAM_UNAVAILABLE"
	CodeBreakerOpen        = "BREAKER_OPEN"
	CodeReconnectRequired  = "RECONNECT_REQUIRED"
)

// ErrUnknownMessageType тип сообщения не поддерживается
var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope конверт любого сообщения
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// VideoFrameData данные видеофрейма от клиента.
// FrameData хранится как RawMessage: валидатор сам проверяет, что это строка.
type VideoFrameData struct {
	FrameData    json.RawMessage   `json:"frameData"`
	Format       string            `json:"format"`
	Timestamp    int64             `json:"timestamp"`
	Width        int32             `json:"width,omitempty"`
	Height       int32             `json:"height,omitempty"`
	CameraFacing string            `json:"cameraFacing,omitempty"`
	Quality      string            `json:"quality,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PingData heartbeat от клиента
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// ConnectionEstablishedData подтверждение рукопожатия
type ConnectionEstablishedData struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// ProcessedFrameData результат обработки кадра
type ProcessedFrameData struct {
	SessionID string            `json:"sessionId"`
	FrameData string            `json:"frameData"`
	Format    string            `json:"format"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PongData ответ на ping. ClientTimestamp повторяет timestamp из ping для расчета задержки.
type PongData struct {
	Timestamp       int64 `json:"timestamp"`
	ClientTimestamp int64 `json:"clientTimestamp,omitempty"`
}

// ErrorData нефатальная ошибка
type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Message декодированное сообщение (tagged union по полю type)
type Message interface {
	Kind() MessageType
}

// VideoFrameMessage входящий кадр
type VideoFrameMessage struct {
	Data VideoFrameData
}

// PingMessage входящий ping
type PingMessage struct {
	Data PingData
}

// ConnectionEstablishedMessage подтверждение подключения
type ConnectionEstablishedMessage struct {
	Data ConnectionEstablishedData
}

// ProcessedFrameMessage обработанный кадр
type ProcessedFrameMessage struct {
	Data ProcessedFrameData
}

// PongMessage ответ на ping
type PongMessage struct {
	Data PongData
}

// ErrorMessage сообщение об ошибке
type ErrorMessage struct {
	Data ErrorData
}

func (VideoFrameMessage) Kind() MessageType            { return TypeVideoFrame }
func (PingMessage) Kind() MessageType                  { return TypePing }
func (ConnectionEstablishedMessage) Kind() MessageType { return TypeConnectionEstablished }
func (ProcessedFrameMessage) Kind() MessageType        { return TypeProcessedFrame }
func (PongMessage) Kind() MessageType                  { return TypePong }
func (ErrorMessage) Kind() MessageType                 { return TypeError }

// Decode разбирает конверт и возвращает типизированное сообщение.
// Для неизвестного type возвращает ErrUnknownMessageType вместе с типом.
func Decode(raw []byte) (Message, MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, "", fmt.Errorf("invalid envelope: missing type")
	}

	var (
		msg    Message
		target interface{}
	)
	switch env.Type {
	case TypeVideoFrame:
		m := &VideoFrameMessage{}
		msg, target = m, &m.Data
	case TypePing:
		m := &PingMessage{}
		msg, target = m, &m.Data
	case TypeConnectionEstablished:
		m := &ConnectionEstablishedMessage{}
		msg, target = m, &m.Data
	case TypeProcessedFrame:
		m := &ProcessedFrameMessage{}
		msg, target = m, &m.Data
	case TypePong:
		m := &PongMessage{}
		msg, target = m, &m.Data
	case TypeError:
		m := &ErrorMessage{}
		msg, target = m, &m.Data
	default:
		return nil, env.Type, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, env.Type, fmt.Errorf("invalid %s data: %w", env.Type, err)
		}
	}
	return msg, env.Type, nil
}

// Encode упаковывает данные в конверт с текущим временем
func Encode(t MessageType, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", t, err)
	}
	return json.Marshal(Envelope{
		Type:      t,
		Data:      payload,
		Timestamp: NowMillis(),
	})
}

// NewError создает данные сообщения об ошибке
func NewError(code, message string) ErrorData {
	return ErrorData{
		Code:      code,
		Message:   message,
		Timestamp: NowMillis(),
	}
}

// NowMillis текущее время в миллисекундах
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
