package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hewenyu/rabbit-keeper/internal/model"
)

// Notifier 定义通知投递接口。
// 投递失败不会被本系统重试：错过一条通知只是丢失一次告警，
// 不影响生命周期状态机的正确性。
type Notifier interface {
	// Send 按contact指定的渠道投递一条通知
	Send(ctx context.Context, contact *model.Contact, subject, body string) error
}

// HTTPNotifier 是基于HTTP通知服务的Notifier实现
type HTTPNotifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPNotifier 创建通知服务客户端
func NewHTTPNotifier(baseURL, token string) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send 按contact指定的渠道投递一条通知
func (n *HTTPNotifier) Send(ctx context.Context, contact *model.Contact, subject, body string) error {
	if contact == nil {
		return nil
	}

	var endpoint string
	var payload any
	switch contact.Method {
	case model.ContactEmail:
		endpoint = "email"
		payload = map[string]string{
			"address": contact.Address,
			"subject": subject,
			"content": body,
		}
	case model.ContactChat:
		endpoint = "chat"
		payload = map[string]string{
			"channel": contact.Address,
			"message": subject + "\n" + body,
		}
	case model.ContactRouted:
		endpoint = "message"
		payload = map[string]any{
			"routing_key": contact.Address,
			"message":     subject + "\n" + body,
		}
	default:
		return fmt.Errorf("不支持的通知渠道: %s", contact.Method)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化通知请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("创建通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送通知失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("通知服务返回错误: 状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return nil
}
