package queuestate

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/store"
)

// MemoryStore 是基于内存的队列状态存储实现，主要用于测试
type MemoryStore struct {
	states map[string]*model.QueueStatus
	mutex  sync.RWMutex
}

// NewMemoryStore 创建新的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*model.QueueStatus),
	}
}

// Get 获取队列状态记录；不存在时返回NotFound错误
func (m *MemoryStore) Get(ctx context.Context, name string) (*model.QueueStatus, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	status, exists := m.states[name]
	if !exists {
		return nil, store.NewNotFoundError("队列状态记录不存在: " + name)
	}

	clone := *status
	return &clone, nil
}

// Create 创建队列状态记录；键已存在时返回AlreadyExists错误
func (m *MemoryStore) Create(ctx context.Context, status *model.QueueStatus) error {
	if status.Name == "" {
		return store.NewInvalidArgumentError("队列名称不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.states[status.Name]; exists {
		return store.NewAlreadyExistsError("队列状态记录已存在: " + status.Name)
	}

	clone := *status
	m.states[status.Name] = &clone
	return nil
}

// Update 对队列状态记录执行原子读改写
func (m *MemoryStore) Update(ctx context.Context, name string, mutate func(*model.QueueStatus) error) (*model.QueueStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	status, exists := m.states[name]
	if !exists {
		return nil, store.NewNotFoundError("队列状态记录不存在: " + name)
	}

	clone := *status
	if err := mutate(&clone); err != nil {
		return nil, err
	}

	m.states[name] = &clone
	result := clone
	return &result, nil
}

// Delete 删除队列状态记录
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.states, name)
	return nil
}

// DeleteUpdatedBefore 删除所有在horizon之前更新过的状态记录，返回删除数量
func (m *MemoryStore) DeleteUpdatedBefore(ctx context.Context, horizon time.Time) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for name, status := range m.states {
		if status.Updated.Before(horizon) {
			delete(m.states, name)
			count++
		}
	}

	return count, nil
}
