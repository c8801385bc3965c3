package queuestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/store"
	"github.com/hewenyu/rabbit-keeper/internal/store/etcd"
)

const (
	// 队列状态存储的前缀
	queueStatePrefix = "/rabbit-keeper/queue-states/"

	// 单页扫描的记录数上限
	scanPageSize = 250

	// 原子读改写的最大重试次数
	maxUpdateRetries = 8
)

// EtcdStore 实现基于etcd的队列状态存储
type EtcdStore struct {
	client *etcd.Client
}

// NewEtcdStore 创建一个新的基于etcd的队列状态存储
func NewEtcdStore(client *etcd.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// queueStateKey 获取队列状态记录的存储键
func queueStateKey(name string) string {
	return queueStatePrefix + name
}

// Get 获取队列状态记录；不存在时返回NotFound错误
func (s *EtcdStore) Get(ctx context.Context, name string) (*model.QueueStatus, error) {
	data, err := s.client.Get(ctx, queueStateKey(name))
	if err != nil {
		return nil, store.NewInternalError(fmt.Sprintf("读取etcd失败: %v", err))
	}
	if data == nil {
		return nil, store.NewNotFoundError("队列状态记录不存在: " + name)
	}

	var status model.QueueStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, store.NewInternalError(fmt.Sprintf("解析队列状态记录失败: %v", err))
	}

	return &status, nil
}

// Create 创建队列状态记录；键已存在时返回AlreadyExists错误
func (s *EtcdStore) Create(ctx context.Context, status *model.QueueStatus) error {
	if status.Name == "" {
		return store.NewInvalidArgumentError("队列名称不能为空")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return store.NewInternalError(fmt.Sprintf("序列化队列状态记录失败: %v", err))
	}

	created, err := s.client.CreateIfAbsent(ctx, queueStateKey(status.Name), data)
	if err != nil {
		return store.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}
	if !created {
		return store.NewAlreadyExistsError("队列状态记录已存在: " + status.Name)
	}

	return nil
}

// Update 对队列状态记录执行条件化的原子读改写
func (s *EtcdStore) Update(ctx context.Context, name string, mutate func(*model.QueueStatus) error) (*model.QueueStatus, error) {
	key := queueStateKey(name)

	for i := 0; i < maxUpdateRetries; i++ {
		data, rev, err := s.client.GetWithRevision(ctx, key)
		if err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("读取etcd失败: %v", err))
		}
		if data == nil {
			return nil, store.NewNotFoundError("队列状态记录不存在: " + name)
		}

		var status model.QueueStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("解析队列状态记录失败: %v", err))
		}

		if err := mutate(&status); err != nil {
			return nil, err
		}

		updated, err := json.Marshal(&status)
		if err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("序列化队列状态记录失败: %v", err))
		}

		ok, err := s.client.PutIfUnchanged(ctx, key, updated, rev)
		if err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
		}
		if ok {
			return &status, nil
		}
	}

	return nil, store.NewConflictError("队列状态记录并发修改冲突: " + name)
}

// Delete 删除队列状态记录
func (s *EtcdStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Delete(ctx, queueStateKey(name)); err != nil {
		return store.NewInternalError(fmt.Sprintf("删除etcd键失败: %v", err))
	}
	return nil
}

// DeleteUpdatedBefore 删除所有在horizon之前更新过的状态记录，返回删除数量
func (s *EtcdStore) DeleteUpdatedBefore(ctx context.Context, horizon time.Time) (int, error) {
	count := 0
	cursor := ""
	for {
		kvs, next, err := s.client.Page(ctx, cursor, queueStatePrefix, scanPageSize)
		if err != nil {
			return count, store.NewInternalError(fmt.Sprintf("扫描etcd失败: %v", err))
		}

		for _, kv := range kvs {
			var status model.QueueStatus
			if err := json.Unmarshal(kv.Value, &status); err != nil {
				return count, store.NewInternalError(fmt.Sprintf("解析队列状态记录失败 [%s]: %v", kv.Key, err))
			}
			if !status.Updated.Before(horizon) {
				continue
			}
			if err := s.client.Delete(ctx, string(kv.Key)); err != nil {
				return count, store.NewInternalError(fmt.Sprintf("删除etcd键失败: %v", err))
			}
			count++
		}

		if next == "" {
			return count, nil
		}
		cursor = next
	}
}
