package rabbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ManagementAPI 定义RabbitMQ管理API的操作集合。
// 所有调用都是同步请求响应；删除或终止类操作遇到404表示资源已不存在，
// 调用方通过IsNotFound判断并按成功处理。
type ManagementAPI interface {
	// CreateOrUpdateUser 创建或更新Broker用户。
	// password为空表示锁定该用户（禁止登录），用于备用身份。
	CreateOrUpdateUser(ctx context.Context, name, password string, tags []string) error

	// DeleteUser 删除Broker用户
	DeleteUser(ctx context.Context, name string) error

	// SetPermissions 设置用户在虚拟主机上的配置/写/读权限模式
	SetPermissions(ctx context.Context, user, vhost, configurePattern, writePattern, readPattern string) error

	// ListQueues 列出虚拟主机上的所有队列
	ListQueues(ctx context.Context, vhost string) ([]Queue, error)

	// DeleteQueue 删除队列
	DeleteQueue(ctx context.Context, name, vhost string) error

	// ListExchanges 列出虚拟主机上的所有交换机
	ListExchanges(ctx context.Context, vhost string) ([]Exchange, error)

	// DeleteExchange 删除交换机
	DeleteExchange(ctx context.Context, name, vhost string) error

	// ListConnections 列出虚拟主机上的所有连接
	ListConnections(ctx context.Context, vhost string) ([]Connection, error)

	// TerminateConnection 终止连接，reason会写入连接关闭帧
	TerminateConnection(ctx context.Context, name, reason string) error

	// Overview 获取集群概览信息
	Overview(ctx context.Context) (*Overview, error)

	// ClusterName 获取集群名称
	ClusterName(ctx context.Context) (string, error)
}

// Queue 表示一个Broker队列
type Queue struct {
	Name     string `json:"name"`
	Vhost    string `json:"vhost"`
	Messages int    `json:"messages"`
}

// Exchange 表示一个Broker交换机
type Exchange struct {
	Name       string `json:"name"`
	Vhost      string `json:"vhost"`
	Type       string `json:"type"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Internal   bool   `json:"internal"`
}

// Connection 表示一个Broker连接
type Connection struct {
	Name        string `json:"name"`
	User        string `json:"user"`
	ConnectedAt int64  `json:"connected_at"`
}

// ConnectedTime 返回连接建立时间
func (c Connection) ConnectedTime() time.Time {
	return time.UnixMilli(c.ConnectedAt)
}

// Overview 表示集群概览信息
type Overview struct {
	ManagementVersion string `json:"management_version"`
	RabbitMQVersion   string `json:"rabbitmq_version"`
	ClusterName       string `json:"cluster_name"`
}

// APIError 表示管理API返回的非2xx响应
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

// Error 实现error接口
func (e *APIError) Error() string {
	return fmt.Sprintf("rabbitmq管理API请求失败 [%s]: 状态码 %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsNotFound 判断错误是否为404类响应（资源已不存在）
func IsNotFound(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusNotFound
	}
	return false
}

// IsConflict 判断错误是否为409类响应
func IsConflict(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusConflict
	}
	return false
}

// Client 是基于net/http的ManagementAPI实现
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient 创建管理API客户端。baseURL通常形如 http://host:15672/api
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do 执行一次管理API请求；payload和out均可为nil
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any, headers map[string]string) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败 [%s]: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败 [%s]: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("解析响应失败 [%s]: %w", endpoint, err)
		}
	}

	return nil
}

// encode 对路径片段做URL转义；默认虚拟主机"/"会被转义为%2F
func encode(raw string) string {
	return url.PathEscape(raw)
}

// CreateOrUpdateUser 创建或更新Broker用户。
// password为空时发送空的password_hash，RabbitMQ会保留该用户但拒绝其登录。
func (c *Client) CreateOrUpdateUser(ctx context.Context, name, password string, tags []string) error {
	payload := map[string]any{
		"tags": strings.Join(tags, ","),
	}
	if password == "" {
		payload["password_hash"] = ""
	} else {
		payload["password"] = password
	}

	return c.do(ctx, http.MethodPut, "users/"+encode(name), payload, nil, nil)
}

// DeleteUser 删除Broker用户
func (c *Client) DeleteUser(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "users/"+encode(name), nil, nil, nil)
}

// SetPermissions 设置用户在虚拟主机上的权限模式
func (c *Client) SetPermissions(ctx context.Context, user, vhost, configurePattern, writePattern, readPattern string) error {
	payload := map[string]string{
		"configure": configurePattern,
		"write":     writePattern,
		"read":      readPattern,
	}
	endpoint := "permissions/" + encode(vhost) + "/" + encode(user)
	return c.do(ctx, http.MethodPut, endpoint, payload, nil, nil)
}

// ListQueues 列出虚拟主机上的所有队列
func (c *Client) ListQueues(ctx context.Context, vhost string) ([]Queue, error) {
	var queues []Queue
	if err := c.do(ctx, http.MethodGet, "queues/"+encode(vhost), nil, &queues, nil); err != nil {
		return nil, err
	}
	return queues, nil
}

// DeleteQueue 删除队列
func (c *Client) DeleteQueue(ctx context.Context, name, vhost string) error {
	endpoint := "queues/" + encode(vhost) + "/" + encode(name)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// ListExchanges 列出虚拟主机上的所有交换机
func (c *Client) ListExchanges(ctx context.Context, vhost string) ([]Exchange, error) {
	var exchanges []Exchange
	if err := c.do(ctx, http.MethodGet, "exchanges/"+encode(vhost), nil, &exchanges, nil); err != nil {
		return nil, err
	}
	return exchanges, nil
}

// DeleteExchange 删除交换机
func (c *Client) DeleteExchange(ctx context.Context, name, vhost string) error {
	endpoint := "exchanges/" + encode(vhost) + "/" + encode(name)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// ListConnections 列出虚拟主机上的所有连接
func (c *Client) ListConnections(ctx context.Context, vhost string) ([]Connection, error) {
	var connections []Connection
	endpoint := "vhosts/" + encode(vhost) + "/connections"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &connections, nil); err != nil {
		return nil, err
	}
	return connections, nil
}

// TerminateConnection 终止连接，reason通过X-Reason头传递
func (c *Client) TerminateConnection(ctx context.Context, name, reason string) error {
	headers := map[string]string{"X-Reason": reason}
	return c.do(ctx, http.MethodDelete, "connections/"+encode(name), nil, nil, headers)
}

// Overview 获取集群概览信息
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var overview Overview
	if err := c.do(ctx, http.MethodGet, "overview", nil, &overview, nil); err != nil {
		return nil, err
	}
	return &overview, nil
}

// ClusterName 获取集群名称
func (c *Client) ClusterName(ctx context.Context) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "cluster-name", nil, &resp, nil); err != nil {
		return "", err
	}
	return resp.Name, nil
}
