package client

import (
	"math/rand/v2"
	"time"
)

// Параметры переподключения по умолчанию
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultMaxAttempts = 10
)

// Backoff экспоненциальная задержка: base·2ⁿ плюс случайная добавка меньше base,
// не больше max. После MaxAttempts попыток Next возвращает false.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// jitter возвращает число в [0, 1)
	jitter  func() float64
	attempt int
}

// NewBackoff создает расписание задержек. Нулевые значения заменяются значениями по умолчанию.
func NewBackoff(base, maxDelay time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < base {
		maxDelay = base
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Backoff{
		Base:        base,
		Max:         maxDelay,
		MaxAttempts: maxAttempts,
		jitter:      rand.Float64,
	}
}

// Next задержка перед следующей попыткой
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}

	delay := b.Max
	// base<<n переполняется на больших n
	if b.attempt < 32 {
		if d := b.Base << b.attempt; d > 0 && d < b.Max {
			delay = d
		}
	}
	delay += time.Duration(b.jitter() * float64(b.Base))
	if delay > b.Max {
		delay = b.Max
	}

	b.attempt++
	return delay, true
}

// Attempt число выданных задержек с последнего Reset
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset сбрасывает счетчик попыток после успешного подключения
func (b *Backoff) Reset() {
	b.attempt = 0
}
