package etcd

import (
	"context"
	"fmt"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/rabbit-keeper/internal/config"
)

// Client 封装了etcd客户端
type Client struct {
	client *clientv3.Client
	cfg    *config.EtcdConfig
}

// NewClient 创建一个新的etcd客户端
func NewClient(cfg *config.EtcdConfig) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Get 获取键值；键不存在时返回nil
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("etcd获取键值失败 [%s]: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil // 键不存在
	}

	return resp.Kvs[0].Value, nil
}

// GetWithRevision 获取键值及其修改版本号；键不存在时返回(nil, 0)
func (c *Client) GetWithRevision(ctx context.Context, key string) ([]byte, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd获取键值失败 [%s]: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}

	return resp.Kvs[0].Value, resp.Kvs[0].ModRevision, nil
}

// Put 设置键值
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Put(ctx, key, string(value))
	if err != nil {
		return fmt.Errorf("etcd设置键值失败 [%s]: %w", key, err)
	}

	return nil
}

// CreateIfAbsent 仅在键不存在时写入；键已存在时返回false。
// 并发创建同一个键时由etcd事务保证恰好一个成功。
func (c *Client) CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd条件创建失败 [%s]: %w", key, err)
	}

	return resp.Succeeded, nil
}

// PutIfUnchanged 仅在键的修改版本号未变化时写入；版本号不匹配时返回false。
// 调用方应重新读取并重试，以此实现无锁的原子读改写。
func (c *Client) PutIfUnchanged(ctx context.Context, key string, value []byte, modRevision int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd条件更新失败 [%s]: %w", key, err)
	}

	return resp.Succeeded, nil
}

// GetWithPrefix 获取指定前缀的所有键值
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd获取前缀键值失败 [%s]: %w", prefix, err)
	}

	result := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = kv.Value
	}

	return result, nil
}

// Page 按键序获取一页数据，返回本页键值和下一页的起始键。
// startKey为续传游标；下一页起始键为空字符串表示遍历完成。
func (c *Client) Page(ctx context.Context, startKey, prefix string, limit int64) ([]*mvccpb.KeyValue, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if startKey == "" {
		startKey = prefix
	}

	resp, err := c.client.Get(ctx, startKey,
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(prefix)),
		clientv3.WithLimit(limit),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, "", fmt.Errorf("etcd分页获取失败 [%s]: %w", prefix, err)
	}

	next := ""
	if resp.More && len(resp.Kvs) > 0 {
		// 下一页从最后一个键的后继开始
		next = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}

	return resp.Kvs, next, nil
}

// Delete 删除键值
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("etcd删除键值失败 [%s]: %w", key, err)
	}

	return nil
}

// DeleteWithPrefix 删除指定前缀的所有键值
func (c *Client) DeleteWithPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd删除前缀键值失败 [%s]: %w", prefix, err)
	}

	return nil
}
