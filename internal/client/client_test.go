package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-gateway/internal/types"
)

// fakeGateway минимальный сервер протокола шлюза
type fakeGateway struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	accept    atomic.Bool
	sessions  atomic.Int32
	pongDelay time.Duration

	connected  chan *websocket.Conn
	frames     chan types.VideoFrameData
	closeCodes chan int
}

func newFakeGateway(t *testing.T, pongDelay time.Duration) *fakeGateway {
	t.Helper()

	g := &fakeGateway{
		pongDelay:  pongDelay,
		connected:  make(chan *websocket.Conn, 16),
		frames:     make(chan types.VideoFrameData, 64),
		closeCodes: make(chan int, 16),
	}
	g.accept.Store(true)
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	if !g.accept.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := fmt.Sprintf("s-%d", g.sessions.Add(1))
	msg, _ := types.Encode(types.TypeConnectionEstablished, types.ConnectionEstablishedData{
		SessionID: id,
		Timestamp: types.NowMillis(),
	})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return
	}
	g.connected <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				g.closeCodes <- closeErr.Code
			}
			return
		}
		decoded, _, err := types.Decode(data)
		if err != nil {
			continue
		}
		switch m := decoded.(type) {
		case *types.VideoFrameMessage:
			g.frames <- m.Data
		case *types.PingMessage:
			time.Sleep(g.pongDelay)
			pong, _ := types.Encode(types.TypePong, types.PongData{
				Timestamp:       types.NowMillis(),
				ClientTimestamp: m.Data.Timestamp,
			})
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}
		}
	}
}

func (g *fakeGateway) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.connected:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func newTestClient(t *testing.T, g *fakeGateway, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:         g.url(),
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
		MaxAttempts: 5,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestClient_ConnectStoresSessionID(t *testing.T) {
	g := newFakeGateway(t, 0)

	var mu sync.Mutex
	var received []types.MessageType
	c := newTestClient(t, g, func(o *Options) {
		o.OnMessage = func(m types.Message) {
			mu.Lock()
			received = append(received, m.Kind())
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	g.waitConn(t)

	assert.Equal(t, StateConnected, c.State())
	assert.Eventually(t, func() bool { return c.SessionID() == "s-1" }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, received, types.TypeConnectionEstablished)
}

func TestClient_QueueFlushedOnConnect(t *testing.T) {
	g := newFakeGateway(t, 0)
	c := newTestClient(t, g, nil)

	for i := int64(1); i <= 7; i++ {
		require.NoError(t, c.SendFrame(Frame{Data: []byte{byte(i)}, Format: "jpeg", Timestamp: i}))
	}
	assert.Equal(t, 5, c.QueueLen())

	require.NoError(t, c.Connect(context.Background()))
	g.waitConn(t)

	var got []int64
	for i := 0; i < 5; i++ {
		select {
		case f := <-g.frames:
			got = append(got, f.Timestamp)
			if i == 0 {
				var encoded string
				require.NoError(t, json.Unmarshal(f.FrameData, &encoded))
				data, err := base64.StdEncoding.DecodeString(encoded)
				require.NoError(t, err)
				assert.Equal(t, []byte{3}, data)
				assert.Equal(t, "jpeg", f.Format)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d frames", len(got))
		}
	}
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, got)
	assert.Equal(t, 0, c.QueueLen())
}

func TestClient_FramesStayOrderedDuringFlush(t *testing.T) {
	g := newFakeGateway(t, 0)
	c := newTestClient(t, g, nil)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, c.SendFrame(Frame{Data: []byte{byte(i)}, Timestamp: i}))
	}

	const last = 60
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for c.State() != StateConnected {
			time.Sleep(time.Millisecond)
		}
		for i := int64(6); i <= last; i++ {
			_ = c.SendFrame(Frame{Data: []byte{byte(i)}, Timestamp: i})
		}
	}()

	require.NoError(t, c.Connect(context.Background()))
	g.waitConn(t)
	<-sent

	// кадры из очереди могут вытесняться, но порядок сохраняется
	var prev int64
	for prev != last {
		select {
		case f := <-g.frames:
			require.Greater(t, f.Timestamp, prev)
			prev = f.Timestamp
		case <-time.After(3 * time.Second):
			t.Fatalf("last frame not received, got up to %d", prev)
		}
	}
}

func TestClient_SendFrameWhenConnected(t *testing.T) {
	g := newFakeGateway(t, 0)
	c := newTestClient(t, g, nil)

	require.NoError(t, c.Connect(context.Background()))
	g.waitConn(t)

	require.NoError(t, c.SendFrame(Frame{Data: []byte("abc"), Format: "png", Width: 640, Height: 480}))

	select {
	case f := <-g.frames:
		assert.Equal(t, "png", f.Format)
		assert.Equal(t, int32(640), f.Width)
		assert.NotZero(t, f.Timestamp)
	case <-time.After(3 * time.Second):
		t.Fatal("frame not received")
	}
}

func TestClient_MeasuresLatency(t *testing.T) {
	g := newFakeGateway(t, 30*time.Millisecond)
	c := newTestClient(t, g, func(o *Options) {
		o.HeartbeatInterval = 50 * time.Millisecond
	})

	require.NoError(t, c.Connect(context.Background()))
	g.waitConn(t)

	assert.Eventually(t, func() bool { return c.Latency() >= 30*time.Millisecond }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_ReconnectsAfterAbnormalClose(t *testing.T) {
	g := newFakeGateway(t, 0)
	c := newTestClient(t, g, nil)

	require.NoError(t, c.Connect(context.Background()))
	first := g.waitConn(t)
	assert.Eventually(t, func() bool { return c.SessionID() == "s-1" }, 2*time.Second, 10*time.Millisecond)

	// обрыв TCP без close frame
	_ = first.Close()

	g.waitConn(t)
	assert.Eventually(t, func() bool {
		return c.SessionID() == "s-2" && c.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_NoReconnectOnNormalClose(t *testing.T) {
	g := newFakeGateway(t, 0)
	c := newTestClient(t, g, nil)

	require.NoError(t, c.Connect(context.Background()))
	conn := g.waitConn(t)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	select {
	case <-g.connected:
		t.Fatal("client reconnected after normal close")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, int32(1), g.sessions.Load())
}

func TestClient_ReconnectExhausted(t *testing.T) {
	g := newFakeGateway(t, 0)

	errs := make(chan error, 16)
	c := newTestClient(t, g, func(o *Options) {
		o.MaxAttempts = 2
		o.OnError = func(err error) { errs <- err }
	})

	require.NoError(t, c.Connect(context.Background()))
	conn := g.waitConn(t)

	g.accept.Store(false)
	_ = conn.Close()

	deadline := time.After(3 * time.Second)
	failures := 0
	for {
		select {
		case err := <-errs:
			if errors.Is(err, ErrReconnectExhausted) {
				assert.Equal(t, 2, failures)
				assert.Equal(t, StateDisconnected, c.State())
				return
			}
			failures++
		case <-deadline:
			t.Fatal("exhaustion not reported")
		}
	}
}

func TestClient_DisconnectSendsManualCode(t *testing.T) {
	g := newFakeGateway(t, 0)
	c := newTestClient(t, g, nil)

	require.NoError(t, c.Connect(context.Background()))
	g.waitConn(t)

	require.NoError(t, c.Disconnect())

	select {
	case code := <-g.closeCodes:
		assert.Equal(t, CloseManual, code)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive close frame")
	}
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	select {
	case <-g.connected:
		t.Fatal("client reconnected after manual disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	g := newFakeGateway(t, 0)
	g.accept.Store(false)
	c := newTestClient(t, g, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())

	// кадры копятся до подключения
	require.NoError(t, c.SendFrame(Frame{Data: []byte("x")}))
	assert.Equal(t, 1, c.QueueLen())
}
