package proto

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Номера полей из videoprocessing.proto
const (
	frameMetadataCameraFacing protowire.Number = 1
	frameMetadataQuality      protowire.Number = 2
	frameMetadataExtra        protowire.Number = 3

	requestSessionID protowire.Number = 1
	requestFrameData protowire.Number = 2
	requestFormat    protowire.Number = 3
	requestTimestamp protowire.Number = 4
	requestWidth     protowire.Number = 5
	requestHeight    protowire.Number = 6
	requestMetadata  protowire.Number = 7

	processedSessionID protowire.Number = 1
	processedFrameData protowire.Number = 2
	processedFormat    protowire.Number = 3
	processedTimestamp protowire.Number = 4
	processedMetadata  protowire.Number = 5

	mapEntryKey   protowire.Number = 1
	mapEntryValue protowire.Number = 2
)

var errWireType = errors.New("unexpected wire type")

func (m *FrameMetadata) appendWire(b []byte) []byte {
	b = appendString(b, frameMetadataCameraFacing, m.CameraFacing)
	b = appendString(b, frameMetadataQuality, m.Quality)
	return appendStringMap(b, frameMetadataExtra, m.Extra)
}

func (m *FrameMetadata) unmarshalWire(b []byte) error {
	*m = FrameMetadata{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case frameMetadataCameraFacing:
			return consumeString(typ, b, &m.CameraFacing)
		case frameMetadataQuality:
			return consumeString(typ, b, &m.Quality)
		case frameMetadataExtra:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			return consumeMapEntry(typ, b, m.Extra)
		}
		return -1, nil
	})
}

func (m *VideoFrameRequest) appendWire(b []byte) []byte {
	b = appendString(b, requestSessionID, m.SessionID)
	b = appendBytes(b, requestFrameData, m.FrameData)
	b = appendString(b, requestFormat, m.Format)
	b = appendVarint(b, requestTimestamp, uint64(m.Timestamp))
	b = appendVarint(b, requestWidth, uint64(int64(m.Width)))
	b = appendVarint(b, requestHeight, uint64(int64(m.Height)))
	if m.Metadata != nil {
		b = protowire.AppendTag(b, requestMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Metadata.appendWire(nil))
	}
	return b
}

func (m *VideoFrameRequest) unmarshalWire(b []byte) error {
	*m = VideoFrameRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case requestSessionID:
			return consumeString(typ, b, &m.SessionID)
		case requestFrameData:
			return consumeBytes(typ, b, &m.FrameData)
		case requestFormat:
			return consumeString(typ, b, &m.Format)
		case requestTimestamp:
			return consumeInt64(typ, b, &m.Timestamp)
		case requestWidth:
			return consumeInt32(typ, b, &m.Width)
		case requestHeight:
			return consumeInt32(typ, b, &m.Height)
		case requestMetadata:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			m.Metadata = &FrameMetadata{}
			return n, m.Metadata.unmarshalWire(raw)
		}
		return -1, nil
	})
}

func (m *ProcessedFrame) appendWire(b []byte) []byte {
	b = appendString(b, processedSessionID, m.SessionID)
	b = appendBytes(b, processedFrameData, m.FrameData)
	b = appendString(b, processedFormat, m.Format)
	b = appendVarint(b, processedTimestamp, uint64(m.Timestamp))
	return appendStringMap(b, processedMetadata, m.Metadata)
}

func (m *ProcessedFrame) unmarshalWire(b []byte) error {
	*m = ProcessedFrame{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case processedSessionID:
			return consumeString(typ, b, &m.SessionID)
		case processedFrameData:
			return consumeBytes(typ, b, &m.FrameData)
		case processedFormat:
			return consumeString(typ, b, &m.Format)
		case processedTimestamp:
			return consumeInt64(typ, b, &m.Timestamp)
		case processedMetadata:
			if m.Metadata == nil {
				m.Metadata = make(map[string]string)
			}
			return consumeMapEntry(typ, b, m.Metadata)
		}
		return -1, nil
	})
}

// Значения по умолчанию proto3 не пишутся

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendStringMap map<string,string>: повторяющиеся entry сообщения, ключи по порядку
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, mapEntryKey, k)
		entry = appendString(entry, mapEntryValue, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// consumeFields разбирает поля сообщения. field возвращает -1 для неизвестного поля,
// такие поля пропускаются.
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if n == -1 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	// ConsumeBytes возвращает срез входного буфера
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = int64(v)
	return n, nil
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	var v int64
	n, err := consumeInt64(typ, b, &v)
	*dst = int32(v)
	return n, err
}

func consumeMapEntry(typ protowire.Type, b []byte, dst map[string]string) (int, error) {
	var raw []byte
	n, err := consumeBytes(typ, b, &raw)
	if err != nil {
		return n, err
	}

	var key, value string
	err = consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case mapEntryKey:
			return consumeString(typ, b, &key)
		case mapEntryValue:
			return consumeString(typ, b, &value)
		}
		return -1, nil
	})
	if err != nil {
		return n, err
	}
	dst[key] = value
	return n, nil
}
