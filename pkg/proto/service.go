package proto

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
)

const (
	// ServiceName полное имя gRPC сервиса
	ServiceName = "videoprocessing.VideoProcessingService"

	// ProcessVideoStreamMethod полный путь bidi метода
	ProcessVideoStreamMethod = "/" + ServiceName + "/ProcessVideoStream"

	// SessionIDHeader ключ metadata с идентификатором сессии
	SessionIDHeader = "x-session-id"
)

// VideoProcessingServer серверная часть контракта
type VideoProcessingServer interface {
	ProcessVideoStream(VideoProcessing_ProcessVideoStreamServer) error
}

// VideoProcessing_ProcessVideoStreamServer серверный поток
type VideoProcessing_ProcessVideoStreamServer interface {
	Send(*ProcessedFrame) error
	Recv() (*VideoFrameRequest, error)
	grpc.ServerStream
}

// VideoProcessing_ProcessVideoStreamClient клиентский поток
type VideoProcessing_ProcessVideoStreamClient interface {
	Send(*VideoFrameRequest) error
	Recv() (*ProcessedFrame, error)
	grpc.ClientStream
}

// VideoProcessingClient клиентская часть контракта
type VideoProcessingClient interface {
	ProcessVideoStream(ctx context.Context, opts ...grpc.CallOption) (VideoProcessing_ProcessVideoStreamClient, error)
}

// ServiceDesc описание сервиса из videoprocessing.proto. Пишется вручную вместе с wire.go,
// protoc для сборки не нужен.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VideoProcessingServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessVideoStream",
			Handler:       processVideoStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "videoprocessing.proto",
}

// RegisterVideoProcessingServer регистрирует реализацию на gRPC сервере
func RegisterVideoProcessingServer(s grpc.ServiceRegistrar, srv VideoProcessingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func processVideoStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(VideoProcessingServer).ProcessVideoStream(&processVideoStreamServer{stream})
}

type processVideoStreamServer struct {
	grpc.ServerStream
}

func (s *processVideoStreamServer) Send(m *ProcessedFrame) error {
	return s.ServerStream.SendMsg(m)
}

func (s *processVideoStreamServer) Recv() (*VideoFrameRequest, error) {
	m := new(VideoFrameRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type videoProcessingClient struct {
	cc grpc.ClientConnInterface
}

// NewVideoProcessingClient создает клиента поверх соединения
func NewVideoProcessingClient(cc grpc.ClientConnInterface) VideoProcessingClient {
	return &videoProcessingClient{cc: cc}
}

// ProcessVideoStream открывает bidi поток
func (c *videoProcessingClient) ProcessVideoStream(ctx context.Context, opts ...grpc.CallOption) (VideoProcessing_ProcessVideoStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ProcessVideoStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &processVideoStreamClient{stream}, nil
}

type processVideoStreamClient struct {
	grpc.ClientStream
}

func (c *processVideoStreamClient) Send(m *VideoFrameRequest) error {
	return c.ClientStream.SendMsg(m)
}

func (c *processVideoStreamClient) Recv() (*ProcessedFrame, error) {
	m := new(ProcessedFrame)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// EchoServer простая реализация: возвращает каждый кадр обратно.
// Используется stub-бэкендом и в тестах.
type EchoServer struct {
	// Transform опционально модифицирует кадр перед отправкой
	Transform func(*VideoFrameRequest) *ProcessedFrame
}

// ProcessVideoStream реализует VideoProcessingServer
func (e *EchoServer) ProcessVideoStream(stream VideoProcessing_ProcessVideoStreamServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var out *ProcessedFrame
		if e.Transform != nil {
			out = e.Transform(req)
		} else {
			out = &ProcessedFrame{
				SessionID: req.SessionID,
				FrameData: req.FrameData,
				Format:    req.Format,
				Timestamp: req.Timestamp,
				Metadata:  map[string]string{"processed_by": "echo"},
			}
		}
		if err := stream.Send(out); err != nil {
			return err
		}
	}
}
