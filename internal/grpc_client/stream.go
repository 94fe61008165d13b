package grpc_client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"stream-gateway/pkg/proto"
)

// StreamState состояние двунаправленного потока
type StreamState string

const (
	StreamOpen       StreamState = "open"
	StreamHalfClosed StreamState = "half_closed"
	StreamClosed     StreamState = "closed"
)

var (
	ErrStreamNotOpen = errors.New("stream is not open")
	ErrSendQueueFull = errors.New("stream send queue is full")
)

// Handlers обработчики событий потока. Вызываются из горутины чтения.
// OnResult не должен синхронно вызывать Stream.Close.
type Handlers struct {
	OnResult func(*proto.ProcessedFrame)
	OnError  func(error)
	OnEnd    func()
}

// Stream поток кадров одной сессии к видео-сервису.
// Порядок кадров сохраняется: одна очередь, одна горутина отправки.
type Stream struct {
	sessionID    string
	raw          proto.VideoProcessing_ProcessVideoStreamClient
	cancel       context.CancelFunc
	handlers     Handlers
	drainTimeout time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	state StreamState
	queue chan *proto.VideoFrameRequest

	cbMu    sync.RWMutex
	closing bool

	closeOnce sync.Once
	sendDone  chan struct{}
	recvDone  chan struct{}
}

func newStream(sessionID string, raw proto.VideoProcessing_ProcessVideoStreamClient, cancel context.CancelFunc,
	handlers Handlers, queueSize int, drainTimeout time.Duration, logger *zap.Logger) *Stream {
	if queueSize <= 0 {
		queueSize = 32
	}
	if drainTimeout <= 0 {
		drainTimeout = 2 * time.Second
	}

	s := &Stream{
		sessionID:    sessionID,
		raw:          raw,
		cancel:       cancel,
		handlers:     handlers,
		drainTimeout: drainTimeout,
		logger:       logger.With(zap.String("session_id", sessionID)),
		state:        StreamOpen,
		queue:        make(chan *proto.VideoFrameRequest, queueSize),
		sendDone:     make(chan struct{}),
		recvDone:     make(chan struct{}),
	}

	go s.sendLoop()
	go s.recvLoop()
	return s
}

// SessionID идентификатор сессии потока
func (s *Stream) SessionID() string {
	return s.sessionID
}

// State текущее состояние
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send ставит кадр в очередь отправки. Не блокируется.
func (s *Stream) Send(frame *proto.VideoFrameRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StreamOpen {
		return ErrStreamNotOpen
	}
	if frame.SessionID == "" {
		frame.SessionID = s.sessionID
	}

	select {
	case s.queue <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Stream) sendLoop() {
	defer close(s.sendDone)

	failed := false
	for frame := range s.queue {
		if failed {
			continue
		}
		if err := s.raw.Send(frame); err != nil {
			// Реальная причина придет из Recv
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Stream send failed", zap.Error(err))
			}
			failed = true
		}
	}

	if !failed {
		if err := s.raw.CloseSend(); err != nil {
			s.logger.Debug("Stream CloseSend failed", zap.Error(err))
		}
	}
}

func (s *Stream) recvLoop() {
	defer close(s.recvDone)

	for {
		result, err := s.raw.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
			} else {
				s.finish(err)
			}
			return
		}

		s.cbMu.RLock()
		if !s.closing && s.handlers.OnResult != nil {
			s.handlers.OnResult(result)
		}
		s.cbMu.RUnlock()
	}
}

// finish завершает поток со стороны сервера
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.state == StreamOpen {
		close(s.queue)
	}
	s.state = StreamClosed
	s.mu.Unlock()

	s.cancel()

	s.cbMu.RLock()
	closing := s.closing
	s.cbMu.RUnlock()
	if closing {
		return
	}

	if err != nil {
		s.logger.Warn("Stream terminated with error", zap.Error(err))
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
		return
	}

	s.logger.Debug("Stream ended by server")
	if s.handlers.OnEnd != nil {
		s.handlers.OnEnd()
	}
}

// Close отправляет накопленные кадры, закрывает отправку и ждет ответов не дольше drainTimeout.
// Повторные вызовы ничего не делают. После Close обработчики не вызываются.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cbMu.Lock()
		s.closing = true
		s.cbMu.Unlock()

		s.mu.Lock()
		wasOpen := s.state == StreamOpen
		if wasOpen {
			s.state = StreamHalfClosed
			close(s.queue)
		}
		s.mu.Unlock()

		if wasOpen {
			timer := time.NewTimer(s.drainTimeout)
			select {
			case <-s.recvDone:
			case <-timer.C:
				s.logger.Debug("Stream drain timed out")
			}
			timer.Stop()
		}

		s.cancel()

		s.mu.Lock()
		s.state = StreamClosed
		s.mu.Unlock()
	})
	return nil
}

// Done закрывается, когда горутина чтения завершилась
func (s *Stream) Done() <-chan struct{} {
	return s.recvDone
}
