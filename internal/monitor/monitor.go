package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/rabbit-keeper/internal/config"
	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/notify"
	"github.com/hewenyu/rabbit-keeper/internal/rabbit"
	"github.com/hewenyu/rabbit-keeper/internal/store"
)

// Sweeper 实现巡检：对照命名空间注册表清理Broker上的孤儿资源，
// 执行队列深度阈值并驱动边沿触发的通知。
type Sweeper struct {
	namespaces  store.NamespaceStore
	queueStates store.QueueStateStore
	broker      rabbit.ManagementAPI
	notifier    notify.Notifier
	cfg         *config.Config
	logger      config.Logger
}

// NewSweeper 创建巡检器
func NewSweeper(
	namespaces store.NamespaceStore,
	queueStates store.QueueStateStore,
	broker rabbit.ManagementAPI,
	notifier notify.Notifier,
	cfg *config.Config,
	logger config.Logger,
) *Sweeper {
	return &Sweeper{
		namespaces:  namespaces,
		queueStates: queueStates,
		broker:      broker,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
	}
}

// Sweep 执行一轮完整巡检。
//
// 每轮先把所有未过期的命名空间物化成一份内存清单（整轮只扫描一次存储），
// 然后跑四个步骤：先处理连接并等它完成，再并发处理队列、交换机和
// 状态记录回收。连接优先是为了在评估孤儿队列之前切断刚过期租户的
// 在线生产者，降低队列在被标记和被删除之间重新被灌满的概率。
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	namespaces := make(map[string]*model.Namespace)
	err := s.namespaces.Scan(ctx, func(ns *model.Namespace) bool {
		return ns.Expires.After(now)
	}, func(ns *model.Namespace) error {
		namespaces[ns.Name] = ns
		return nil
	})
	if err != nil {
		return fmt.Errorf("扫描命名空间记录失败: %w", err)
	}

	if err := s.handleConnections(ctx, namespaces, now); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		errCh <- s.handleQueues(ctx, namespaces, now)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.handleExchanges(ctx, namespaces)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.cleanupQueueStates(ctx, now)
	}()
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleConnections 终止孤儿连接和过长存活的连接。
// 只有用户名符合命名空间凭证命名约定的连接才会被处理，
// 终止遇到404（连接已自行关闭）按成功处理。
func (s *Sweeper) handleConnections(ctx context.Context, namespaces map[string]*model.Namespace, now time.Time) error {
	connections, err := s.broker.ListConnections(ctx, s.cfg.Rabbit.Vhost)
	if err != nil {
		return fmt.Errorf("列出Broker连接失败: %w", err)
	}

	oldest := now.Add(-s.cfg.Monitor.ConnectionMaxLifetime)

	return s.forEach(len(connections), func(i int) error {
		conn := connections[i]

		namespace, ok := model.NamespaceOfUser(conn.User, s.cfg.App.UsernamePrefix, s.cfg.App.NamespacePrefix)
		if !ok {
			return nil
		}

		reason := ""
		if _, exists := namespaces[namespace]; !exists {
			reason = "namespace expired"
		}
		if conn.ConnectedTime().Before(oldest) {
			reason = "connection too long lived"
		}
		if reason == "" {
			return nil
		}

		s.logger.Info("终止Broker连接",
			zap.String("connection", conn.Name),
			zap.String("user", conn.User),
			zap.String("reason", reason))

		if err := s.broker.TerminateConnection(ctx, conn.Name, reason); err != nil && !rabbit.IsNotFound(err) {
			return fmt.Errorf("终止连接失败 [%s]: %w", conn.Name, err)
		}
		return nil
	})
}

// handleQueues 处理租户队列：删除孤儿队列，执行深度阈值并驱动通知。
func (s *Sweeper) handleQueues(ctx context.Context, namespaces map[string]*model.Namespace, now time.Time) error {
	queues, err := s.broker.ListQueues(ctx, s.cfg.Rabbit.Vhost)
	if err != nil {
		return fmt.Errorf("列出Broker队列失败: %w", err)
	}

	return s.forEach(len(queues), func(i int) error {
		queue := queues[i]

		namespace, ok := model.NamespaceOfResource(queue.Name, s.cfg.App.QueuePrefix, s.cfg.App.NamespacePrefix)
		if !ok {
			return nil
		}

		owner, exists := namespaces[namespace]
		if !exists {
			// 命名空间已不存在的队列直接删除，不发通知
			s.logger.Info("删除孤儿队列",
				zap.String("queue", queue.Name),
				zap.Int("messages", queue.Messages))
			if err := s.broker.DeleteQueue(ctx, queue.Name, s.cfg.Rabbit.Vhost); err != nil && !rabbit.IsNotFound(err) {
				return fmt.Errorf("删除队列失败 [%s]: %w", queue.Name, err)
			}
			return nil
		}

		state := model.ClassifyQueue(queue.Messages, s.cfg.Monitor.AlertThreshold, s.cfg.Monitor.DeleteThreshold)

		changed, err := s.updateQueueStatus(ctx, queue.Name, state, now)
		if err != nil {
			return err
		}

		// 状态发生变化且租户留了联系方式才发通知；
		// 投递失败只记日志，不影响本条记录的处理
		if changed && owner.Contact != nil {
			subject, body := describeState(queue, state, s.cfg.Monitor.AlertThreshold, s.cfg.Monitor.DeleteThreshold)
			if err := s.notifier.Send(ctx, owner.Contact, subject, body); err != nil {
				s.logger.Warn("通知投递失败",
					zap.String("queue", queue.Name),
					zap.String("state", string(state)),
					zap.Error(err))
			}
		}

		if state == model.QueueStateDanger {
			s.logger.Info("删除超限队列",
				zap.String("queue", queue.Name),
				zap.Int("messages", queue.Messages))
			if err := s.broker.DeleteQueue(ctx, queue.Name, s.cfg.Rabbit.Vhost); err != nil && !rabbit.IsNotFound(err) {
				return fmt.Errorf("删除队列失败 [%s]: %w", queue.Name, err)
			}
		}

		return nil
	})
}

// updateQueueStatus 更新队列状态记录，返回状态是否发生了变化。
// 通知只在状态变化时发送（边沿触发），记录不存在时按首次观察创建，
// 首次观察到非normal状态也视为一次变化。
func (s *Sweeper) updateQueueStatus(ctx context.Context, name string, state model.QueueState, now time.Time) (bool, error) {
	current, err := s.queueStates.Get(ctx, name)
	if err != nil {
		if !store.IsNotFound(err) {
			return false, fmt.Errorf("读取队列状态记录失败 [%s]: %w", name, err)
		}

		err := s.queueStates.Create(ctx, &model.QueueStatus{
			Name:    name,
			State:   state,
			Updated: now,
		})
		if err != nil {
			if store.IsAlreadyExists(err) {
				// 并发巡检先创建了记录，按已有记录重新判断
				return s.updateQueueStatus(ctx, name, state, now)
			}
			return false, fmt.Errorf("创建队列状态记录失败 [%s]: %w", name, err)
		}

		return state != model.QueueStateNormal, nil
	}

	if current.State == state {
		return false, nil
	}

	changed := false
	_, err = s.queueStates.Update(ctx, name, func(status *model.QueueStatus) error {
		// 并发更新在这里再判定一次，保证每次状态转换只有一方视为变化
		if status.State != state {
			status.State = state
			status.Updated = now
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("更新队列状态记录失败 [%s]: %w", name, err)
	}

	return changed, nil
}

// handleExchanges 删除命名空间已不存在的交换机。交换机不积压消息，
// 删除不通知。
func (s *Sweeper) handleExchanges(ctx context.Context, namespaces map[string]*model.Namespace) error {
	exchanges, err := s.broker.ListExchanges(ctx, s.cfg.Rabbit.Vhost)
	if err != nil {
		return fmt.Errorf("列出Broker交换机失败: %w", err)
	}

	return s.forEach(len(exchanges), func(i int) error {
		exchange := exchanges[i]

		namespace, ok := model.NamespaceOfResource(exchange.Name, s.cfg.App.ExchangePrefix, s.cfg.App.NamespacePrefix)
		if !ok {
			return nil
		}

		if _, exists := namespaces[namespace]; exists {
			return nil
		}

		s.logger.Info("删除孤儿交换机", zap.String("exchange", exchange.Name))
		if err := s.broker.DeleteExchange(ctx, exchange.Name, s.cfg.Rabbit.Vhost); err != nil && !rabbit.IsNotFound(err) {
			return fmt.Errorf("删除交换机失败 [%s]: %w", exchange.Name, err)
		}
		return nil
	})
}

// cleanupQueueStates 回收长期未更新的队列状态记录，
// 与队列本身是否仍然存在无关。
func (s *Sweeper) cleanupQueueStates(ctx context.Context, now time.Time) error {
	horizon := now.Add(-s.cfg.Monitor.QueueStateRetention)
	count, err := s.queueStates.DeleteUpdatedBefore(ctx, horizon)
	if err != nil {
		return fmt.Errorf("回收队列状态记录失败: %w", err)
	}
	if count > 0 {
		s.logger.Debug("已回收过期的队列状态记录", zap.Int("count", count))
	}
	return nil
}

// forEach 以有界并发处理n个条目。单个条目的失败不会中止其余条目，
// 所有失败聚合后一起返回。
func (s *Sweeper) forEach(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}

	concurrency := s.cfg.Monitor.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(i); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// describeState 生成状态转换通知的主题和正文
func describeState(queue rabbit.Queue, state model.QueueState, alertThreshold, deleteThreshold int) (subject, body string) {
	switch state {
	case model.QueueStateDanger:
		subject = fmt.Sprintf("%s has been deleted!", queue.Name)
		body = fmt.Sprintf(
			"The number of messages queued in `%s` exceeded %d.\n"+
				"At the time of deletion, there were %d messages in the queue.",
			queue.Name, deleteThreshold, queue.Messages)
	case model.QueueStateWarning:
		subject = fmt.Sprintf("%s is in danger of being deleted!", queue.Name)
		body = fmt.Sprintf(
			"The number of messages queued in `%s` is now above %d.\n"+
				"Currently there are %d messages in the queue. If this number goes\n"+
				"above %d, the queue will be deleted and all of the messages\n"+
				"will be lost.\n\n"+
				"A common cause of this situation is that your service has crashed.",
			queue.Name, alertThreshold, queue.Messages, deleteThreshold)
	default:
		subject = fmt.Sprintf("%s has returned to a safe state", queue.Name)
		body = fmt.Sprintf(
			"The number of messages queued in `%s` is now below %d.\n"+
				"No further action is necessary on your part, although you may want to\n"+
				"investigate why this happened in the first place.",
			queue.Name, alertThreshold)
	}
	return subject, body
}
