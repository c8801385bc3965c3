package maintenance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/rabbit-keeper/internal/config"
	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/rabbit"
	"github.com/hewenyu/rabbit-keeper/internal/store"
)

// ErrInvalidNamespace 命名空间名称不合法时由Claim返回，属于调用方输入错误
var ErrInvalidNamespace = errors.New("命名空间名称不合法")

// Manager 实现凭证生命周期状态机：claim、rotate、expire
type Manager struct {
	namespaces store.NamespaceStore
	broker     rabbit.ManagementAPI
	cfg        *config.Config
	logger     config.Logger

	// now 便于测试注入时钟，默认为time.Now
	now func() time.Time
}

// NewManager 创建生命周期管理器
func NewManager(namespaces store.NamespaceStore, broker rabbit.ManagementAPI, cfg *config.Config, logger config.Logger) *Manager {
	return &Manager{
		namespaces: namespaces,
		broker:     broker,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// newPassword 生成一个新的随机凭证
func newPassword() string {
	return uuid.NewString()
}

// permissionPatterns 根据命名空间推导Broker权限模式。
// 配置和写权限限定在该命名空间自己的队列和交换机下；
// 读权限额外放开到所有交换机，以便消费其他租户的广播。
func (m *Manager) permissionPatterns(namespace string) (configure, write, read string) {
	queuePrefix := regexp.QuoteMeta(m.cfg.App.QueuePrefix)
	exchangePrefix := regexp.QuoteMeta(m.cfg.App.ExchangePrefix)
	ns := regexp.QuoteMeta(namespace)

	scoped := fmt.Sprintf("^(%s|%s)%s/.*", queuePrefix, exchangePrefix, ns)
	return scoped, scoped, fmt.Sprintf("^%s.*", exchangePrefix)
}

// setBrokerUser 创建或更新一个Broker用户并下发命名空间范围的权限。
// password为空表示锁定该用户。
func (m *Manager) setBrokerUser(ctx context.Context, username, password, namespace string) error {
	if err := m.broker.CreateOrUpdateUser(ctx, username, password, m.cfg.App.UserTags); err != nil {
		return fmt.Errorf("创建Broker用户失败 [%s]: %w", username, err)
	}

	configure, write, read := m.permissionPatterns(namespace)
	if err := m.broker.SetPermissions(ctx, username, m.cfg.Rabbit.Vhost, configure, write, read); err != nil {
		return fmt.Errorf("设置Broker用户权限失败 [%s]: %w", username, err)
	}

	return nil
}

// Claim 创建或续领一个命名空间。
//
// 首次claim会创建存储记录并预置两个Broker身份：槽位A激活（持有新密码），
// 槽位B锁定（预先下发权限，下次轮换只需改密码）。记录已存在时走续领分支：
// 仅当调用方提供的expires或contact与存量不同才原地更新，不会重新预置
// Broker身份，也不会改动密码或轮换状态。并发的首次claim由存储的
// create-if-absent语义裁决，恰好一个走创建分支，其余落入续领分支。
func (m *Manager) Claim(ctx context.Context, name string, contact *model.Contact, expires time.Time) (*model.Namespace, error) {
	if !model.IsValidName(name, m.cfg.App.NamespacePrefix) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNamespace, name)
	}

	now := m.now()
	if expires.IsZero() {
		expires = now.Add(m.cfg.App.DefaultClaimLifetime)
	}

	namespace := &model.Namespace{
		Name:          name,
		Password:      newPassword(),
		Created:       now,
		Expires:       expires,
		RotationState: model.SlotA,
		NextRotation:  now.Add(m.cfg.App.RotationInterval),
		Contact:       contact,
	}

	err := m.namespaces.Create(ctx, namespace)
	if err == nil {
		// 首次claim：激活身份持有新密码，备用身份锁定
		active := namespace.ActiveUsername(m.cfg.App.UsernamePrefix)
		standby := namespace.StandbyUsername(m.cfg.App.UsernamePrefix)

		if err := m.setBrokerUser(ctx, active, namespace.Password, name); err != nil {
			return nil, err
		}
		if err := m.setBrokerUser(ctx, standby, "", name); err != nil {
			return nil, err
		}

		m.logger.Info("命名空间已创建",
			zap.String("namespace", name),
			zap.Time("expires", expires))
		return namespace, nil
	}

	if !store.IsAlreadyExists(err) {
		return nil, fmt.Errorf("创建命名空间记录失败: %w", err)
	}

	// 续领分支：记录已存在
	existing, err := m.namespaces.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("读取命名空间记录失败: %w", err)
	}

	if existing.Expires.Equal(expires) && model.SameContact(existing.Contact, contact) {
		// 完全相同的续领没有任何副作用
		return existing, nil
	}

	updated, err := m.namespaces.Update(ctx, name, func(ns *model.Namespace) error {
		ns.Expires = expires
		ns.Contact = contact
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("更新命名空间记录失败: %w", err)
	}

	m.logger.Info("命名空间已续领",
		zap.String("namespace", name),
		zap.Time("expires", expires))
	return updated, nil
}

// Rotate 轮换所有到期的命名空间凭证，返回成功处理的记录数。
//
// 对每条nextRotation已过期的记录：生成新密码、切换激活槽位、为新激活的
// Broker身份下发新密码（解锁），最后条件化地写回记录。上一个激活身份
// 在本次操作中故意不被禁用：它保持可用直到下一次连接巡检或它自己的
// 下一次轮换，给已连接的客户端留出换用新凭证的宽限期。
func (m *Manager) Rotate(ctx context.Context, now time.Time) (int, error) {
	due, err := m.collect(ctx, func(ns *model.Namespace) bool {
		return ns.NextRotation.Before(now)
	})
	if err != nil {
		return 0, err
	}

	return m.runBatch(due, func(ns *model.Namespace) error {
		password := newPassword()
		next := ns.RotationState.Other()

		if err := m.setBrokerUser(ctx, next.Username(m.cfg.App.UsernamePrefix, ns.Name), password, ns.Name); err != nil {
			return err
		}

		if _, err := m.namespaces.Update(ctx, ns.Name, func(record *model.Namespace) error {
			record.RotationState = next
			record.Password = password
			record.NextRotation = now.Add(m.cfg.App.RotationInterval)
			return nil
		}); err != nil {
			return fmt.Errorf("写回轮换结果失败 [%s]: %w", ns.Name, err)
		}

		m.logger.Debug("命名空间凭证已轮换",
			zap.String("namespace", ns.Name),
			zap.String("slot", string(next)))
		return nil
	})
}

// Expire 删除所有已过期的命名空间，返回成功处理的记录数。
//
// 对每条expires已过期的记录：删除两个Broker身份（404视为已删除），
// 再删除存储记录。已建立的Broker连接不在这里终止，由巡检的连接清理
// 独立处理，因此Expire可以低成本地频繁运行。
func (m *Manager) Expire(ctx context.Context, now time.Time) (int, error) {
	due, err := m.collect(ctx, func(ns *model.Namespace) bool {
		return ns.Expires.Before(now)
	})
	if err != nil {
		return 0, err
	}

	return m.runBatch(due, func(ns *model.Namespace) error {
		for _, slot := range []model.RotationSlot{model.SlotA, model.SlotB} {
			username := slot.Username(m.cfg.App.UsernamePrefix, ns.Name)
			if err := m.broker.DeleteUser(ctx, username); err != nil && !rabbit.IsNotFound(err) {
				return fmt.Errorf("删除Broker用户失败 [%s]: %w", username, err)
			}
		}

		if err := m.namespaces.Delete(ctx, ns.Name); err != nil {
			return fmt.Errorf("删除命名空间记录失败 [%s]: %w", ns.Name, err)
		}

		m.logger.Info("过期命名空间已删除", zap.String("namespace", ns.Name))
		return nil
	})
}

// collect 扫描存储并物化所有满足filter的记录
func (m *Manager) collect(ctx context.Context, filter func(*model.Namespace) bool) ([]*model.Namespace, error) {
	var records []*model.Namespace
	err := m.namespaces.Scan(ctx, filter, func(ns *model.Namespace) error {
		records = append(records, ns)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("扫描命名空间记录失败: %w", err)
	}
	return records, nil
}

// runBatch 以有界并发逐条处理记录。单条记录的失败不会中止整批：
// 返回值是成功处理的记录数和所有单条失败的聚合错误。
func (m *Manager) runBatch(records []*model.Namespace, fn func(*model.Namespace) error) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	concurrency := m.cfg.Monitor.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	count := 0

	for _, record := range records {
		wg.Add(1)
		sem <- struct{}{}
		go func(ns *model.Namespace) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(ns); err != nil {
				m.logger.Error("处理命名空间记录失败",
					zap.String("namespace", ns.Name),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}

			mu.Lock()
			count++
			mu.Unlock()
		}(record)
	}

	wg.Wait()
	return count, errors.Join(errs...)
}
