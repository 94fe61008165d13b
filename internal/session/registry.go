package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrSessionExists = errors.New("session for connection already exists")
	ErrRegistryFull  = errors.New("session registry is full")
)

// Options настройки реестра
type Options struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ActiveWindow  time.Duration
	MaxFPS        int
	// Now источник времени, подменяется в тестах
	Now func() time.Time
	// OnRemove вызывается после удаления сессии
	OnRemove func(*Session)
}

// Registry реестр сессий
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]string
	opts     Options
	logger   *zap.Logger
}

// NewRegistry создает реестр
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		opts:     opts,
		logger:   logger,
	}
}

// Create регистрирует новую сессию для соединения
func (r *Registry) Create(connectionID string, conn Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[connectionID]; exists {
		return nil, ErrSessionExists
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return nil, ErrRegistryFull
	}

	now := r.opts.Now()
	s := &Session{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		CreatedAt:    now,
		lastActivity: now,
		state:        StateActive,
		conn:         conn,
	}
	if r.opts.MaxFPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.opts.MaxFPS), r.opts.MaxFPS)
	}

	r.sessions[s.ID] = s
	r.byConn[connectionID] = s.ID

	r.logger.Debug("Session created",
		zap.String("session_id", s.ID),
		zap.String("connection_id", connectionID),
		zap.Int("active", len(r.sessions)))

	return s, nil
}

// Get возвращает сессию по id
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove удаляет сессию. Повторный вызов ничего не делает и возвращает false.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		delete(r.byConn, s.ConnectionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Ресурсы закрываются вне блокировки реестра
	s.close()

	r.logger.Debug("Session removed", zap.String("session_id", sessionID))
	if r.opts.OnRemove != nil {
		r.opts.OnRemove(s)
	}
	return true
}

// ActiveCount количество сессий
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListSnapshots статистика всех сессий, от старых к новым
func (r *Registry) ListSnapshots() []Stats {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	now := r.opts.Now()
	stats := make([]Stats, 0, len(list))
	for _, s := range list {
		stats = append(stats, s.Snapshot(now, r.opts.ActiveWindow))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].CreatedAt.Before(stats[j].CreatedAt)
	})
	return stats
}

// Sweep удаляет сессии без активности дольше IdleTimeout
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	removed := r.removeAll(idle)
	if removed > 0 {
		r.logger.Info("Idle sessions removed", zap.Int("count", removed))
	}
	return removed
}

// Run периодически вызывает Sweep до отмены контекста
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		}
	}
}

// CloseAll удаляет все сессии
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.removeAll(ids)
}

// removeAll удаляет сессии параллельно: закрытие потока ждет drain timeout,
// и общее время не должно расти с числом сессий.
func (r *Registry) removeAll(ids []string) int {
	var (
		g       errgroup.Group
		removed atomic.Int64
	)
	for _, id := range ids {
		g.Go(func() error {
			if r.Remove(id) {
				removed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(removed.Load())
}
