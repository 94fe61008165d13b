package grpc_client

import (
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"stream-gateway/pkg/proto"
)

func zapNop() *zap.Logger { return zap.NewNop() }

// blockingClientStream клиентский поток, Send которого блокируется до release
type blockingClientStream struct {
	grpc.ClientStream
	release chan struct{}
	inSend  atomic.Bool
}

func (b *blockingClientStream) sending() bool { return b.inSend.Load() }

func (b *blockingClientStream) Send(*proto.VideoFrameRequest) error {
	b.inSend.Store(true)
	<-b.release
	return nil
}

func (b *blockingClientStream) Recv() (*proto.ProcessedFrame, error) {
	<-b.release
	return nil, io.EOF
}

func (b *blockingClientStream) CloseSend() error { return nil }
