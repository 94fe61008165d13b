// Package discovery определяет адрес сервиса: сначала через реестр, затем по статической конфигурации.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source откуда получен адрес
type Source string

const (
	SourceDiscovery Source = "discovery"
	SourceStatic    Source = "static"
)

// ErrNoInstances в реестре нет живых экземпляров
var ErrNoInstances = errors.New("no live instances")

// ServiceInstance адрес экземпляра сервиса
type ServiceInstance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Protocol  string    `json:"protocol"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    Source    `json:"-"`
}

// Address host:port
func (i ServiceInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL адрес с протоколом, для HTTP сервисов
func (i ServiceInstance) URL() string {
	protocol := i.Protocol
	if protocol == "" || protocol == "grpc" {
		protocol = "http"
	}
	return protocol + "://" + i.Address()
}

// Discoverer источник живых экземпляров
type Discoverer interface {
	Lookup(ctx context.Context, name string) ([]ServiceInstance, error)
}

// ResolutionError не удалось определить адрес ни одним способом
type ResolutionError struct {
	Service string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve service %q: %v", e.Service, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver определяет адрес сервиса на каждый вызов, без кеширования
type Resolver struct {
	discoverer    Discoverer
	lookupTimeout time.Duration
	logger        *zap.Logger

	mu     sync.RWMutex
	static map[string]ServiceInstance

	counters sync.Map // name -> *atomic.Uint64
}

// NewResolver создает резолвер. discoverer может быть nil, тогда используется только статика.
func NewResolver(discoverer Discoverer, static map[string]ServiceInstance, lookupTimeout time.Duration, logger *zap.Logger) *Resolver {
	if lookupTimeout <= 0 {
		lookupTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		discoverer:    discoverer,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}
	r.UpdateStatic(static)
	return r
}

// UpdateStatic заменяет статические адреса
func (r *Resolver) UpdateStatic(static map[string]ServiceInstance) {
	copied := make(map[string]ServiceInstance, len(static))
	for name, inst := range static {
		inst.Name = name
		inst.Source = SourceStatic
		copied[name] = inst
	}

	r.mu.Lock()
	r.static = copied
	r.mu.Unlock()
}

// Static возвращает статический адрес сервиса
func (r *Resolver) Static(name string) (ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.static[name]
	return inst, ok
}

// Resolve возвращает адрес экземпляра сервиса
func (r *Resolver) Resolve(ctx context.Context, name string) (ServiceInstance, error) {
	var lookupErr error

	if r.discoverer != nil {
		inst, err := r.lookup(ctx, name)
		if err == nil {
			return inst, nil
		}
		lookupErr = err
		r.logger.Warn("Discovery lookup failed, using static config",
			zap.String("service", name),
			zap.Error(err))
	}

	if inst, ok := r.Static(name); ok {
		return inst, nil
	}

	if lookupErr == nil {
		lookupErr = errors.New("no static target configured")
	} else {
		lookupErr = fmt.Errorf("%w; no static target configured", lookupErr)
	}
	return ServiceInstance{}, &ResolutionError{Service: name, Err: lookupErr}
}

func (r *Resolver) lookup(ctx context.Context, name string) (ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	instances, err := r.discoverer.Lookup(ctx, name)
	if err != nil {
		return ServiceInstance{}, err
	}
	if len(instances) == 0 {
		return ServiceInstance{}, ErrNoInstances
	}

	counter, _ := r.counters.LoadOrStore(name, new(atomic.Uint64))
	idx := counter.(*atomic.Uint64).Add(1) - 1

	inst := instances[idx%uint64(len(instances))]
	inst.Name = name
	inst.Source = SourceDiscovery
	return inst, nil
}
