package proto

import (
	"fmt"

	"google.golang.org/grpc"
	protov2 "google.golang.org/protobuf/proto"
)

// CodecName content-subtype кодека (application/grpc+proto)
const CodecName = "proto"

// wireMessage сообщение контракта с ручной protobuf сериализацией (см. wire.go)
type wireMessage interface {
	appendWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

// Codec protobuf кодек для gRPC. Сообщения контракта кодируются через protowire
// по схеме videoprocessing.proto, остальные protobuf сообщения (health) через proto.Marshal.
// Не регистрируется глобально, чтобы не подменять кодек по умолчанию.
type Codec struct{}

// Marshal кодирует сообщение
func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch msg := v.(type) {
	case nil:
		return nil, fmt.Errorf("proto codec: nil message")
	case wireMessage:
		return msg.appendWire(nil), nil
	case protov2.Message:
		return protov2.Marshal(msg)
	default:
		return nil, fmt.Errorf("proto codec: unsupported message type %T", v)
	}
}

// Unmarshal декодирует сообщение
func (Codec) Unmarshal(data []byte, v interface{}) error {
	switch msg := v.(type) {
	case wireMessage:
		if err := msg.unmarshalWire(data); err != nil {
			return fmt.Errorf("proto codec: %w", err)
		}
		return nil
	case protov2.Message:
		return protov2.Unmarshal(data, msg)
	default:
		return fmt.Errorf("proto codec: unsupported message type %T", v)
	}
}

// Name возвращает имя кодека
func (Codec) Name() string {
	return CodecName
}

// ServerCodec опция сервера, на котором зарегистрирован VideoProcessingServer
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}
