package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
	protov2 "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   protov2.String(name),
		Number: protov2.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func messageField(name string, num int32, typeName string, repeated bool) *descriptorpb.FieldDescriptorProto {
	f := field(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = protov2.String(typeName)
	if repeated {
		f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	}
	return f
}

func stringMapEntry(name string) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{
		Name: protov2.String(name),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("key", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			field("value", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		},
		Options: &descriptorpb.MessageOptions{MapEntry: protov2.Bool(true)},
	}
}

// schema описание videoprocessing.proto для protobuf runtime
func schema(t *testing.T) protoreflect.FileDescriptor {
	t.Helper()

	fd := &descriptorpb.FileDescriptorProto{
		Name:    protov2.String("videoprocessing.proto"),
		Package: protov2.String("videoprocessing"),
		Syntax:  protov2.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: protov2.String("FrameMetadata"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("camera_facing", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("quality", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					messageField("extra", 3, ".videoprocessing.FrameMetadata.ExtraEntry", true),
				},
				NestedType: []*descriptorpb.DescriptorProto{stringMapEntry("ExtraEntry")},
			},
			{
				Name: protov2.String("VideoFrameRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("session_id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("frame_data", 2, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
					field("format", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("timestamp", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
					field("width", 5, descriptorpb.FieldDescriptorProto_TYPE_INT32),
					field("height", 6, descriptorpb.FieldDescriptorProto_TYPE_INT32),
					messageField("metadata", 7, ".videoprocessing.FrameMetadata", false),
				},
			},
			{
				Name: protov2.String("ProcessedFrame"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("session_id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("frame_data", 2, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
					field("format", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("timestamp", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
					messageField("metadata", 5, ".videoprocessing.ProcessedFrame.MetadataEntry", true),
				},
				NestedType: []*descriptorpb.DescriptorProto{stringMapEntry("MetadataEntry")},
			},
		},
	}

	file, err := protodesc.NewFile(fd, nil)
	require.NoError(t, err)
	return file
}

func TestCodec_RequestReadableByProtobufRuntime(t *testing.T) {
	md := schema(t).Messages().ByName("VideoFrameRequest")

	data, err := Codec{}.Marshal(&VideoFrameRequest{
		SessionID: "s-1",
		FrameData: []byte{0xff, 0xd8, 0x00},
		Format:    "jpeg",
		Timestamp: 1700000000123,
		Width:     -1,
		Height:    480,
		Metadata: &FrameMetadata{
			CameraFacing: "front",
			Extra:        map[string]string{"b": "2", "a": "1"},
		},
	})
	require.NoError(t, err)

	msg := dynamicpb.NewMessage(md)
	require.NoError(t, protov2.Unmarshal(data, msg))

	fields := md.Fields()
	assert.Equal(t, "s-1", msg.Get(fields.ByName("session_id")).String())
	assert.Equal(t, []byte{0xff, 0xd8, 0x00}, msg.Get(fields.ByName("frame_data")).Bytes())
	assert.Equal(t, "jpeg", msg.Get(fields.ByName("format")).String())
	assert.Equal(t, int64(1700000000123), msg.Get(fields.ByName("timestamp")).Int())
	assert.Equal(t, int64(-1), msg.Get(fields.ByName("width")).Int())
	assert.Equal(t, int64(480), msg.Get(fields.ByName("height")).Int())

	meta := msg.Get(fields.ByName("metadata")).Message()
	metaFields := meta.Descriptor().Fields()
	assert.Equal(t, "front", meta.Get(metaFields.ByName("camera_facing")).String())
	assert.False(t, meta.Has(metaFields.ByName("quality")))

	extra := meta.Get(metaFields.ByName("extra")).Map()
	assert.Equal(t, 2, extra.Len())
	assert.Equal(t, "1", extra.Get(protoreflect.ValueOfString("a").MapKey()).String())
	assert.Equal(t, "2", extra.Get(protoreflect.ValueOfString("b").MapKey()).String())
}

func TestCodec_DecodesProtobufRuntimeOutput(t *testing.T) {
	md := schema(t).Messages().ByName("ProcessedFrame")
	fields := md.Fields()

	msg := dynamicpb.NewMessage(md)
	msg.Set(fields.ByName("session_id"), protoreflect.ValueOfString("s-2"))
	msg.Set(fields.ByName("frame_data"), protoreflect.ValueOfBytes([]byte("frame")))
	msg.Set(fields.ByName("format"), protoreflect.ValueOfString("png"))
	msg.Set(fields.ByName("timestamp"), protoreflect.ValueOfInt64(42))
	meta := msg.Mutable(fields.ByName("metadata")).Map()
	meta.Set(protoreflect.ValueOfString("processed_by").MapKey(), protoreflect.ValueOfString("model"))

	data, err := protov2.Marshal(msg)
	require.NoError(t, err)

	var out ProcessedFrame
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	assert.Equal(t, ProcessedFrame{
		SessionID: "s-2",
		FrameData: []byte("frame"),
		Format:    "png",
		Timestamp: 42,
		Metadata:  map[string]string{"processed_by": "model"},
	}, out)
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	data, err := Codec{}.Marshal(&ProcessedFrame{SessionID: "s-3", Timestamp: 7})
	require.NoError(t, err)

	// поле 15 из более новой версии схемы
	data = append(data, 0x7a, 0x02, 'h', 'i')

	var out ProcessedFrame
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	assert.Equal(t, "s-3", out.SessionID)
	assert.Equal(t, int64(7), out.Timestamp)
}

func TestCodec_RejectsTruncatedInput(t *testing.T) {
	data, err := Codec{}.Marshal(&VideoFrameRequest{SessionID: "s-4", FrameData: []byte("abcdef")})
	require.NoError(t, err)

	var out VideoFrameRequest
	assert.Error(t, Codec{}.Unmarshal(data[:len(data)-2], &out))
}

func TestCodec_HealthMessages(t *testing.T) {
	data, err := Codec{}.Marshal(&grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)

	var out grpc_health_v1.HealthCheckRequest
	require.NoError(t, Codec{}.Unmarshal(data, &out))
	assert.Equal(t, ServiceName, out.GetService())
	assert.Equal(t, "proto", Codec{}.Name())
}
