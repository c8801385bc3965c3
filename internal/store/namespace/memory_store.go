package namespace

import (
	"context"
	"sort"
	"sync"

	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/store"
)

// MemoryStore 是基于内存的命名空间存储实现，主要用于测试
type MemoryStore struct {
	namespaces map[string]*model.Namespace
	mutex      sync.RWMutex
}

// NewMemoryStore 创建新的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]*model.Namespace),
	}
}

// Create 创建命名空间记录；键已存在时返回AlreadyExists错误
func (m *MemoryStore) Create(ctx context.Context, namespace *model.Namespace) error {
	if namespace.Name == "" {
		return store.NewInvalidArgumentError("命名空间名称不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.namespaces[namespace.Name]; exists {
		return store.NewAlreadyExistsError("命名空间已存在: " + namespace.Name)
	}

	clone := *namespace
	m.namespaces[namespace.Name] = &clone
	return nil
}

// Get 根据名称获取命名空间记录；不存在时返回NotFound错误
func (m *MemoryStore) Get(ctx context.Context, name string) (*model.Namespace, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	namespace, exists := m.namespaces[name]
	if !exists {
		return nil, store.NewNotFoundError("命名空间不存在: " + name)
	}

	clone := *namespace
	return &clone, nil
}

// Update 对命名空间记录执行原子读改写
func (m *MemoryStore) Update(ctx context.Context, name string, mutate func(*model.Namespace) error) (*model.Namespace, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	namespace, exists := m.namespaces[name]
	if !exists {
		return nil, store.NewNotFoundError("命名空间不存在: " + name)
	}

	clone := *namespace
	if err := mutate(&clone); err != nil {
		return nil, err
	}

	m.namespaces[name] = &clone
	result := clone
	return &result, nil
}

// Delete 删除命名空间记录
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.namespaces, name)
	return nil
}

// Scan 按名称顺序遍历满足filter的全部记录
func (m *MemoryStore) Scan(ctx context.Context, filter func(*model.Namespace) bool, handler func(*model.Namespace) error) error {
	m.mutex.RLock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]*model.Namespace, 0, len(names))
	for _, name := range names {
		clone := *m.namespaces[name]
		records = append(records, &clone)
	}
	m.mutex.RUnlock()

	for _, namespace := range records {
		if filter != nil && !filter(namespace) {
			continue
		}
		if err := handler(namespace); err != nil {
			return err
		}
	}

	return nil
}
