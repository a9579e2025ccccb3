package saga

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Ошибки хранилища
var (
	// ErrNotFound экземпляр с таким correlation id не существует
	ErrNotFound = errors.New("saga instance not found")
	// ErrVersionConflict версия записи изменилась между чтением и записью
	ErrVersionConflict = errors.New("saga instance version conflict")
	// ErrDuplicateInstance экземпляр с таким correlation id уже существует
	ErrDuplicateInstance = errors.New("saga instance already exists")
)

// Store интерфейс хранилища экземпляров саг. Save атомарен: запись
// применяется только если версия в хранилище равна версии снимка,
// иначе возвращается ErrVersionConflict и вызывающий перечитывает
// состояние и повторяет переход.
type Store interface {
	// Create сохраняет новый экземпляр
	Create(ctx context.Context, inst *Instance) error
	// GetByCorrelationID загружает экземпляр по correlation id
	GetByCorrelationID(ctx context.Context, correlationID string) (*Instance, error)
	// Save сохраняет экземпляр с проверкой версии и инкрементирует ее
	Save(ctx context.Context, inst *Instance) error
	// ListStale возвращает нетерминальные экземпляры, не обновлявшиеся
	// с указанного момента
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Instance, error)
}

// InMemoryStore реализация Store в памяти для тестов и разработки
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewInMemoryStore создает новое in-memory хранилище
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{instances: make(map[string]*Instance)}
}

// Create сохраняет новый экземпляр
func (s *InMemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.CorrelationID]; exists {
		return ErrDuplicateInstance
	}
	s.instances[inst.CorrelationID] = inst.Clone()
	return nil
}

// GetByCorrelationID загружает экземпляр по correlation id
func (s *InMemoryStore) GetByCorrelationID(ctx context.Context, correlationID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[correlationID]
	if !exists {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// Save сохраняет экземпляр с проверкой версии
func (s *InMemoryStore) Save(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.instances[inst.CorrelationID]
	if !exists {
		return ErrNotFound
	}
	if stored.Version != inst.Version {
		return ErrVersionConflict
	}
	inst.Version++
	s.instances[inst.CorrelationID] = inst.Clone()
	return nil
}

// ListStale возвращает нетерминальные экземпляры, не обновлявшиеся
// с указанного момента
func (s *InMemoryStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*Instance
	for _, inst := range s.instances {
		if inst.CurrentState.IsTerminal() {
			continue
		}
		if inst.UpdatedAt.After(olderThan) {
			continue
		}
		stale = append(stale, inst.Clone())
		if limit > 0 && len(stale) >= limit {
			break
		}
	}
	return stale, nil
}
