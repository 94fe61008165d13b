// Package session хранит активные сессии WebSocket клиентов.
package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State состояние сессии
type State string

const (
	StateActive            State = "active"
	StateReconnectRequired State = "reconnect_required"
	StateClosed            State = "closed"
)

// Conn соединение, которым владеет сессия
type Conn interface {
	Close() error
}

// Stream поток к видео-сервису, которым владеет сессия
type Stream interface {
	Close() error
}

// fpsWindow окно, по которому считается текущий FPS, в секундах
const fpsWindow = 5

// frameBucket число кадров за одну секунду
type frameBucket struct {
	sec int64
	n   int64
}

// Session одна сессия на одно WebSocket соединение
type Session struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time

	mu           sync.Mutex
	lastActivity time.Time
	frames       int64
	bytes        int64
	framesSent   int64
	dropped      int64
	recent       [fpsWindow]frameBucket
	state        State
	stream       Stream
	conn         Conn
	limiter      *rate.Limiter
	closeOnce    sync.Once
}

// Stats снимок статистики сессии
type Stats struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	Duration     string    `json:"duration"`
	LastActivity time.Time `json:"last_activity"`
	Frames       int64     `json:"frames"`
	Bytes        int64     `json:"bytes"`
	FramesSent   int64     `json:"frames_sent"`
	Dropped      int64     `json:"dropped"`
	FPS          float64   `json:"fps"`
	IsActive     bool      `json:"is_active"`
}

// Touch обновляет время последней активности
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// RecordFrame учитывает принятый кадр
func (s *Session) RecordFrame(now time.Time, size int) {
	s.mu.Lock()
	s.lastActivity = now
	s.frames++
	s.bytes += int64(size)

	sec := now.Unix()
	b := &s.recent[sec%fpsWindow]
	if b.sec != sec {
		*b = frameBucket{sec: sec}
	}
	b.n++
	s.mu.Unlock()
}

// RecordSent учитывает отправленный клиенту результат
func (s *Session) RecordSent() {
	s.mu.Lock()
	s.framesSent++
	s.mu.Unlock()
}

// RecordDropped учитывает отброшенный лимитом кадр
func (s *Session) RecordDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// Allow проверяет лимит кадров в секунду. Без лимитера всегда true.
func (s *Session) Allow(now time.Time) bool {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.AllowN(now, 1)
}

// LastActivity время последней активности
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State текущее состояние
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stream текущий поток или nil
func (s *Session) Stream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// AttachStream привязывает открытый поток и переводит сессию в active
func (s *Session) AttachStream(stream Stream) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.stream = stream
	s.state = StateActive
	s.mu.Unlock()
	return true
}

// DetachStream отвязывает поток и требует переподключения.
// Возвращает отвязанный поток, чтобы вызывающий закрыл его.
func (s *Session) DetachStream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.stream
	s.stream = nil
	if s.state != StateClosed {
		s.state = StateReconnectRequired
	}
	return stream
}

// MarkReconnectRequired помечает сессию без потока
func (s *Session) MarkReconnectRequired() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateReconnectRequired
	}
	s.mu.Unlock()
}

// close закрывает поток, затем соединение. Вызывается ровно один раз через Registry.Remove.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		stream, conn := s.stream, s.conn
		s.stream = nil
		s.state = StateClosed
		s.mu.Unlock()

		if stream != nil {
			_ = stream.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// Snapshot возвращает статистику с учетом окна активности
func (s *Session) Snapshot(now time.Time, activeWindow time.Duration) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := now.Sub(s.CreatedAt)

	return Stats{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		Duration:     alive.Round(time.Second).String(),
		LastActivity: s.lastActivity,
		Frames:       s.frames,
		Bytes:        s.bytes,
		FramesSent:   s.framesSent,
		Dropped:      s.dropped,
		FPS:          s.currentFPS(now, alive),
		IsActive:     s.state != StateClosed && now.Sub(s.lastActivity) < activeWindow,
	}
}

// currentFPS кадры за последние fpsWindow секунд. Вызывается под s.mu.
func (s *Session) currentFPS(now time.Time, alive time.Duration) float64 {
	sec := now.Unix()
	var frames int64
	for _, b := range s.recent {
		if age := sec - b.sec; age >= 0 && age < fpsWindow {
			frames += b.n
		}
	}
	if frames == 0 {
		return 0
	}

	span := float64(fpsWindow)
	// молодая сессия: делим на прожитое время, но не меньше секунды
	if secs := alive.Seconds(); secs < span {
		span = max(secs, 1)
	}
	return float64(frames) / span
}
