package namespace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/store"
	"github.com/hewenyu/rabbit-keeper/internal/store/etcd"
)

const (
	// 命名空间存储的前缀
	namespacePrefix = "/rabbit-keeper/namespaces/"

	// 单页扫描的记录数上限
	scanPageSize = 250

	// 原子读改写的最大重试次数
	maxUpdateRetries = 8
)

// EtcdStore 实现基于etcd的命名空间存储
type EtcdStore struct {
	client *etcd.Client
}

// NewEtcdStore 创建一个新的基于etcd的命名空间存储
func NewEtcdStore(client *etcd.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// namespaceKey 获取命名空间记录的存储键
func namespaceKey(name string) string {
	return namespacePrefix + name
}

// Create 创建命名空间记录；键已存在时返回AlreadyExists错误
func (s *EtcdStore) Create(ctx context.Context, namespace *model.Namespace) error {
	if namespace.Name == "" {
		return store.NewInvalidArgumentError("命名空间名称不能为空")
	}

	data, err := json.Marshal(namespace)
	if err != nil {
		return store.NewInternalError(fmt.Sprintf("序列化命名空间记录失败: %v", err))
	}

	created, err := s.client.CreateIfAbsent(ctx, namespaceKey(namespace.Name), data)
	if err != nil {
		return store.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}
	if !created {
		return store.NewAlreadyExistsError("命名空间已存在: " + namespace.Name)
	}

	return nil
}

// Get 根据名称获取命名空间记录；不存在时返回NotFound错误
func (s *EtcdStore) Get(ctx context.Context, name string) (*model.Namespace, error) {
	data, err := s.client.Get(ctx, namespaceKey(name))
	if err != nil {
		return nil, store.NewInternalError(fmt.Sprintf("读取etcd失败: %v", err))
	}
	if data == nil {
		return nil, store.NewNotFoundError("命名空间不存在: " + name)
	}

	var namespace model.Namespace
	if err := json.Unmarshal(data, &namespace); err != nil {
		return nil, store.NewInternalError(fmt.Sprintf("解析命名空间记录失败: %v", err))
	}

	return &namespace, nil
}

// Update 对命名空间记录执行条件化的原子读改写。
// 并发修改同一条记录时以etcd的修改版本号做比较交换，冲突则重读重试。
func (s *EtcdStore) Update(ctx context.Context, name string, mutate func(*model.Namespace) error) (*model.Namespace, error) {
	key := namespaceKey(name)

	for i := 0; i < maxUpdateRetries; i++ {
		data, rev, err := s.client.GetWithRevision(ctx, key)
		if err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("读取etcd失败: %v", err))
		}
		if data == nil {
			return nil, store.NewNotFoundError("命名空间不存在: " + name)
		}

		var namespace model.Namespace
		if err := json.Unmarshal(data, &namespace); err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("解析命名空间记录失败: %v", err))
		}

		if err := mutate(&namespace); err != nil {
			return nil, err
		}

		updated, err := json.Marshal(&namespace)
		if err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("序列化命名空间记录失败: %v", err))
		}

		ok, err := s.client.PutIfUnchanged(ctx, key, updated, rev)
		if err != nil {
			return nil, store.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
		}
		if ok {
			return &namespace, nil
		}
	}

	return nil, store.NewConflictError("命名空间记录并发修改冲突: " + name)
}

// Delete 删除命名空间记录
func (s *EtcdStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Delete(ctx, namespaceKey(name)); err != nil {
		return store.NewInternalError(fmt.Sprintf("删除etcd键失败: %v", err))
	}
	return nil
}

// Scan 分页遍历满足filter的全部记录，对每条记录调用handler。
// 每页最多scanPageSize条，跟随续传游标直到没有更多数据。
func (s *EtcdStore) Scan(ctx context.Context, filter func(*model.Namespace) bool, handler func(*model.Namespace) error) error {
	cursor := ""
	for {
		kvs, next, err := s.client.Page(ctx, cursor, namespacePrefix, scanPageSize)
		if err != nil {
			return store.NewInternalError(fmt.Sprintf("扫描etcd失败: %v", err))
		}

		for _, kv := range kvs {
			var namespace model.Namespace
			if err := json.Unmarshal(kv.Value, &namespace); err != nil {
				return store.NewInternalError(fmt.Sprintf("解析命名空间记录失败 [%s]: %v", kv.Key, err))
			}
			if filter != nil && !filter(&namespace) {
				continue
			}
			if err := handler(&namespace); err != nil {
				return err
			}
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}
