package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stream-gateway/internal/breaker"
	"stream-gateway/internal/grpc_client"
	"stream-gateway/internal/session"
	"stream-gateway/internal/types"
	"stream-gateway/internal/validator"
	"stream-gateway/pkg/proto"
)

// frameStream поток сессии, в который можно отправлять кадры
type frameStream interface {
	session.Stream
	Send(*proto.VideoFrameRequest) error
}

// RegisterRoutes регистрирует WebSocket эндпоинт
func (g *APIGateway) RegisterRoutes(router gin.IRoutes) {
	router.GET(g.opts.WebSocket.Path, g.HandleWebSocket)
}

// HandleWebSocket обрабатывает WebSocket подключение клиента
func (g *APIGateway) HandleWebSocket(c *gin.Context) {
	if !g.admit() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "error",
			"message":   ErrShuttingDown.Error(),
			"timestamp": time.Now().Unix(),
		})
		return
	}
	defer g.wg.Done()

	conn, err := g.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.metrics.Connections.WithLabelValues("upgrade_failed").Inc()
		g.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	if g.opts.WebSocket.MaxMessageSize > 0 {
		conn.SetReadLimit(g.opts.WebSocket.MaxMessageSize)
	}

	client := newWSClient(conn, getIPAddress(c.Request), c.Request.UserAgent(),
		g.opts.WebSocket.SendBuffer, g.opts.WebSocket.WriteTimeout)
	g.clientMgr.Add(client)
	defer g.clientMgr.Remove(client.info.ConnectionID)

	sess, err := g.sessions.Create(client.info.ConnectionID, client)
	if err != nil {
		code, reason := websocket.CloseInternalServerErr, "failed to create session"
		if errors.Is(err, session.ErrRegistryFull) {
			code, reason = websocket.CloseTryAgainLater, "server is at capacity"
			g.metrics.Connections.WithLabelValues("rejected_full").Inc()
		} else {
			g.metrics.Connections.WithLabelValues("rejected").Inc()
		}
		g.logger.Warn("Rejecting WebSocket connection",
			zap.String("connection_id", client.info.ConnectionID),
			zap.Error(err))
		client.closeWith(code, reason)
		_ = client.Close()
		return
	}

	client.setSessionID(sess.ID)
	g.metrics.Connections.WithLabelValues("accepted").Inc()
	g.metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))

	logger := g.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("ip", client.info.IPAddress))
	logger.Info("WebSocket client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.writePump(g.opts.WebSocket.PingInterval)
	}()

	// Поток открывается до подтверждения, ошибка открытия приходит после него
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.opts.WebSocket.HandshakeTimeout)
	openErr := g.openStream(ctx, sess, client)
	cancel()

	g.sendMessage(client, types.TypeConnectionEstablished, types.ConnectionEstablishedData{
		SessionID: sess.ID,
		Timestamp: types.NowMillis(),
	})
	if openErr != nil {
		sess.MarkReconnectRequired()
		g.sendStreamOpenError(client, openErr)
		logger.Warn("Failed to open processing stream", zap.Error(openErr))
	}

	g.readPump(client, sess, logger)

	g.sessions.Remove(sess.ID)
	<-writerDone
	logger.Info("WebSocket client disconnected")
}

// openStream открывает поток через выключатель и привязывает его к сессии
func (g *APIGateway) openStream(ctx context.Context, sess *session.Session, client *wsClient) error {
	svc, err := g.clients.Client(g.opts.Service)
	if err != nil {
		return err
	}

	stream, err := breaker.Do(ctx, g.breakers, g.opts.Service, func(ctx context.Context) (*grpc_client.Stream, error) {
		return svc.OpenStream(ctx, sess.ID, g.streamHandlers(sess, client))
	})
	if err != nil {
		g.metrics.StreamEvents.WithLabelValues("open_failed").Inc()
		return err
	}

	if !sess.AttachStream(stream) {
		_ = stream.Close()
		return errors.New("session closed while opening stream")
	}
	g.metrics.StreamEvents.WithLabelValues("opened").Inc()
	return nil
}

func (g *APIGateway) sendStreamOpenError(client *wsClient, err error) {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		msg := "processing service is temporarily unavailable"
		if openErr.HasFallback() {
			msg = openErr.Fallback
		}
		g.sendError(client, types.CodeBreakerOpen, msg)
		return
	}
	g.sendError(client, types.CodeStreamUnavailable, fmt.Sprintf("failed to open processing stream: %v", err))
}

// streamHandlers переводит события потока в сообщения клиенту
func (g *APIGateway) streamHandlers(sess *session.Session, client *wsClient) grpc_client.Handlers {
	return grpc_client.Handlers{
		OnResult: func(result *proto.ProcessedFrame) {
			ok := g.sendMessage(client, types.TypeProcessedFrame, types.ProcessedFrameData{
				SessionID: sess.ID,
				FrameData: base64.StdEncoding.EncodeToString(result.FrameData),
				Format:    result.Format,
				Timestamp: result.Timestamp,
				Metadata:  result.Metadata,
			})
			if ok {
				sess.RecordSent()
				g.framesSent.Add(1)
				g.metrics.FramesProcessed.Inc()
			}
		},
		OnError: func(err error) {
			g.metrics.StreamEvents.WithLabelValues("error").Inc()
			g.detachStream(sess)
			g.sendError(client, types.CodeStreamError, fmt.Sprintf("processing stream failed: %v", err))
		},
		OnEnd: func() {
			g.metrics.StreamEvents.WithLabelValues("ended").Inc()
			g.detachStream(sess)
			g.sendError(client, types.CodeStreamEnded, "processing stream ended")
		},
	}
}

func (g *APIGateway) detachStream(sess *session.Session) {
	if stream := sess.DetachStream(); stream != nil {
		_ = stream.Close()
	}
	g.logger.Info("Session requires reconnect", zap.String("session_id", sess.ID))
}

// readPump читает сообщения клиента до ошибки или закрытия
func (g *APIGateway) readPump(client *wsClient, sess *session.Session, logger *zap.Logger) {
	client.conn.SetPongHandler(func(string) error {
		sess.Touch(time.Now())
		return nil
	})

	limit := g.opts.WebSocket.ReadLimit
	for {
		messageType, r, err := client.conn.NextReader()
		if err == nil && messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var message []byte
		if err == nil {
			message, err = readLimited(r, limit)
		}
		if errors.Is(err, errMessageTooLarge) {
			g.rejectOversized(client, sess, limit)
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		g.handleMessage(client, sess, message)
	}
}

var errMessageTooLarge = errors.New("message exceeds read limit")

// readLimited читает сообщение не длиннее limit байт. Остаток слишком
// длинного сообщения дочитывается и отбрасывается, соединение остается.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	message, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(message)) <= limit {
		return message, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return nil, errMessageTooLarge
}

func (g *APIGateway) rejectOversized(client *wsClient, sess *session.Session, limit int64) {
	sess.Touch(time.Now())
	g.errorCount.Add(1)
	g.metrics.FramesRejected.WithLabelValues(validator.CodeFrameTooLarge).Inc()
	g.sendError(client, validator.CodeFrameTooLarge, fmt.Sprintf("message exceeds %d bytes", limit))
}

// handleMessage разбирает сообщение и передает его обработчику по типу
func (g *APIGateway) handleMessage(client *wsClient, sess *session.Session, raw []byte) {
	now := time.Now()
	sess.Touch(now)

	msg, kind, err := types.Decode(raw)
	if err != nil {
		g.errorCount.Add(1)
		if errors.Is(err, types.ErrUnknownMessageType) {
			g.sendError(client, types.CodeUnknownMessageType, fmt.Sprintf("unknown message type: %s", kind))
			return
		}
		g.sendError(client, types.CodeInvalidMessage, err.Error())
		return
	}

	switch m := msg.(type) {
	case *types.VideoFrameMessage:
		g.handleVideoFrame(client, sess, &m.Data, now)
	case *types.PingMessage:
		g.sendMessage(client, types.TypePong, types.PongData{
			Timestamp:       types.NowMillis(),
			ClientTimestamp: m.Data.Timestamp,
		})
	default:
		g.sendError(client, types.CodeUnknownMessageType, fmt.Sprintf("unexpected message type from client: %s", kind))
	}
}

// handleVideoFrame ограничивает частоту, валидирует и отправляет кадр в поток сессии
func (g *APIGateway) handleVideoFrame(client *wsClient, sess *session.Session, frame *types.VideoFrameData, now time.Time) {
	g.metrics.FramesReceived.Inc()

	// Кадры сверх лимита отбрасываются без ответа
	if !sess.Allow(now) {
		sess.RecordDropped()
		g.metrics.FramesRejected.WithLabelValues(types.CodeRateLimited).Inc()
		return
	}

	data, err := g.validator.Decode(frame)
	if err != nil {
		code := validator.ErrorCode(err)
		g.metrics.FramesRejected.WithLabelValues(code).Inc()
		g.errorCount.Add(1)
		g.sendError(client, code, err.Error())
		return
	}
	format, _ := validator.NormalizeFormat(frame.Format)

	sess.RecordFrame(now, len(data))
	g.totalFrames.Add(1)
	g.bytesProcessed.Add(int64(len(data)))
	g.metrics.FrameBytes.Add(float64(len(data)))

	stream, ok := sess.Stream().(frameStream)
	if !ok || sess.State() != session.StateActive {
		g.metrics.FramesRejected.WithLabelValues(types.CodeReconnectRequired).Inc()
		g.sendError(client, types.CodeReconnectRequired, "processing stream is not available, reconnect required")
		return
	}

	timestamp := frame.Timestamp
	if timestamp == 0 {
		timestamp = now.UnixMilli()
	}

	err = stream.Send(&proto.VideoFrameRequest{
		SessionID: sess.ID,
		FrameData: data,
		Format:    format,
		Timestamp: timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		Metadata: &proto.FrameMetadata{
			CameraFacing: frame.CameraFacing,
			Quality:      frame.Quality,
			Extra:        frame.Metadata,
		},
	})
	switch {
	case err == nil:
		g.metrics.FramesForwarded.Inc()
	case errors.Is(err, grpc_client.ErrSendQueueFull):
		g.metrics.FramesRejected.WithLabelValues(types.CodeBackpressure).Inc()
		g.sendError(client, types.CodeBackpressure, "processing stream is saturated, frame dropped")
	default:
		g.metrics.FramesRejected.WithLabelValues(types.CodeReconnectRequired).Inc()
		g.sendError(client, types.CodeReconnectRequired, "processing stream is not available, reconnect required")
	}
}

// sendMessage кодирует сообщение и ставит его в очередь писателя
func (g *APIGateway) sendMessage(client *wsClient, t types.MessageType, data interface{}) bool {
	payload, err := types.Encode(t, data)
	if err != nil {
		g.logger.Error("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	if !client.enqueue(payload) {
		g.metrics.FramesRejected.WithLabelValues("send_buffer_full").Inc()
		g.logger.Debug("Client send buffer full, dropping message",
			zap.String("connection_id", client.info.ConnectionID),
			zap.String("type", string(t)))
		return false
	}
	return true
}

func (g *APIGateway) sendError(client *wsClient, code, message string) {
	g.sendMessage(client, types.TypeError, types.NewError(code, message))
}

// Вспомогательная функция для получения IP адреса
func getIPAddress(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		ip = host
	}
	return ip
}
