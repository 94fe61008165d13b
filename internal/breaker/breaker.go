// Package breaker защищает вызовы внешних сервисов автоматическим выключателем (circuit breaker).
// Для каждого имени сервиса создается свой выключатель поверх sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// State состояние выключателя
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultCallTimeout      = 10 * time.Second
)

// OpenError вызов отклонен без обращения к сервису
type OpenError struct {
	Service  string
	State    State
	Fallback string
	err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Service, e.State)
}

func (e *OpenError) Unwrap() error {
	return e.err
}

// HasFallback задан ли запасной ответ
func (e *OpenError) HasFallback() bool {
	return e.Fallback != ""
}

// Options настройки менеджера
type Options struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	CallTimeout      time.Duration
	// Fallbacks запасные ответы (JSON) по имени сервиса
	Fallbacks map[string]string
	// OnStateChange вызывается при смене состояния
	OnStateChange func(service string, from, to State)
}

// Status снимок состояния выключателя
type Status struct {
	Service             string `json:"service"`
	State               State  `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Requests            uint32 `json:"requests"`
	LastFailure         int64  `json:"last_failure,omitempty"`
}

type entry struct {
	cb          *gobreaker.CircuitBreaker[struct{}]
	mu          sync.Mutex
	lastFailure time.Time
}

// Manager набор выключателей по именам сервисов
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*entry
}

// NewManager создает менеджер
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		logger:   logger,
		breakers: make(map[string]*entry),
	}
}

func (m *Manager) get(service string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.breakers[service]; ok {
		return e
	}

	threshold := m.opts.FailureThreshold
	e := &entry{}
	e.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     m.opts.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("Circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if m.opts.OnStateChange != nil {
				m.opts.OnStateChange(name, convertState(from), convertState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			return !IsExpectedFailure(err)
		},
	})
	m.breakers[service] = e
	return e
}

// Execute выполняет fn под выключателем сервиса с таймаутом вызова
func (m *Manager) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, m, service, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do выполняет fn под выключателем сервиса и возвращает результат
func Do[T any](ctx context.Context, m *Manager, service string, fn func(ctx context.Context) (T, error)) (T, error) {
	e := m.get(service)

	var result T
	_, err := e.cb.Execute(func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		defer cancel()

		var callErr error
		result, callErr = fn(callCtx)
		if IsExpectedFailure(callErr) {
			e.mu.Lock()
			e.lastFailure = time.Now()
			e.mu.Unlock()
		}
		return struct{}{}, callErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, &OpenError{
			Service:  service,
			State:    convertState(e.cb.State()),
			Fallback: m.opts.Fallbacks[service],
			err:      err,
		}
	}
	return result, err
}

// State текущее состояние выключателя сервиса
func (m *Manager) State(service string) State {
	return convertState(m.get(service).cb.State())
}

// Statuses состояние всех созданных выключателей
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	entries := make([]*entry, 0, len(m.breakers))
	for name, e := range m.breakers {
		names = append(names, name)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(entries))
	for i, e := range entries {
		counts := e.cb.Counts()
		st := Status{
			Service:             names[i],
			State:               convertState(e.cb.State()),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Requests:            counts.Requests,
		}
		e.mu.Lock()
		if !e.lastFailure.IsZero() {
			st.LastFailure = e.lastFailure.UnixMilli()
		}
		e.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}

// IsExpectedFailure относится ли ошибка к сбоям, которые считает выключатель:
// отказ или сброс соединения, таймауты, gRPC Unavailable и DeadlineExceeded.
func IsExpectedFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
