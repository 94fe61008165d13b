package grpc_client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownService для имени нет клиента
var ErrUnknownService = errors.New("unknown service")

// ServiceClient клиент сервиса с потоковым API
type ServiceClient interface {
	OpenStream(ctx context.Context, sessionID string, handlers Handlers) (*Stream, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Dependencies зависимости, общие для всех клиентов
type Dependencies struct {
	Resolver Resolver
	Options  ClientOptions
	Logger   *zap.Logger
}

// Factory создает клиента сервиса
type Factory func(deps Dependencies) ServiceClient

// factories известные на этапе компиляции клиенты
var factories = map[string]Factory{
	VideoProcessingService: func(deps Dependencies) ServiceClient {
		return NewVideoProcessingClient(deps.Resolver, deps.Options, deps.Logger)
	},
}

// Registry клиенты сервисов по имени. Клиенты создаются при первом обращении.
type Registry struct {
	deps Dependencies

	mu      sync.Mutex
	clients map[string]ServiceClient
}

// NewRegistry создает реестр клиентов
func NewRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		deps:    deps,
		clients: make(map[string]ServiceClient),
	}
}

// Client возвращает клиента сервиса
func (r *Registry) Client(name string) (ServiceClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[name]; ok {
		return client, nil
	}

	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	client := factory(r.deps)
	r.clients[name] = client
	return client, nil
}

// Register подменяет клиента сервиса
func (r *Registry) Register(name string, client ServiceClient) {
	r.mu.Lock()
	r.clients[name] = client
	r.mu.Unlock()
}

// Names имена сервисов, для которых есть клиенты или фабрики
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(factories)+len(r.clients))
	for name := range factories {
		seen[name] = struct{}{}
	}
	for name := range r.clients {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck проверяет все сервисы
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	result := make(map[string]error)
	for _, name := range r.Names() {
		client, err := r.Client(name)
		if err != nil {
			result[name] = err
			continue
		}
		result[name] = client.HealthCheck(ctx)
	}
	return result
}

// Close закрывает всех созданных клиентов
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(r.clients, name)
	}
	return errors.Join(errs...)
}
