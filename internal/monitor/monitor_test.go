package monitor

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/hewenyu/rabbit-keeper/internal/config"
	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/rabbit"
	namespacestore "github.com/hewenyu/rabbit-keeper/internal/store/namespace"
	queuestatestore "github.com/hewenyu/rabbit-keeper/internal/store/queuestate"
)

// nopLogger 测试用的空日志实现
type nopLogger struct{}

func (nopLogger) Debug(string, ...zapcore.Field) {}
func (nopLogger) Info(string, ...zapcore.Field)  {}
func (nopLogger) Warn(string, ...zapcore.Field)  {}
func (nopLogger) Error(string, ...zapcore.Field) {}
func (nopLogger) Fatal(string, ...zapcore.Field) {}

// fakeBroker 是巡检测试用的ManagementAPI实现
type fakeBroker struct {
	mu          sync.Mutex
	queues      []rabbit.Queue
	exchanges   []rabbit.Exchange
	connections []rabbit.Connection

	deletedQueues    []string
	deletedExchanges []string
	terminated       map[string]string // 连接名 → 终止原因

	// goneConnections 中的连接在终止时返回404
	goneConnections map[string]bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		terminated:      make(map[string]string),
		goneConnections: make(map[string]bool),
	}
}

func (f *fakeBroker) CreateOrUpdateUser(ctx context.Context, name, password string, tags []string) error {
	return nil
}

func (f *fakeBroker) DeleteUser(ctx context.Context, name string) error { return nil }

func (f *fakeBroker) SetPermissions(ctx context.Context, user, vhost, configure, write, read string) error {
	return nil
}

func (f *fakeBroker) ListQueues(ctx context.Context, vhost string) ([]rabbit.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbit.Queue(nil), f.queues...), nil
}

func (f *fakeBroker) DeleteQueue(ctx context.Context, name, vhost string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedQueues = append(f.deletedQueues, name)
	kept := f.queues[:0]
	for _, q := range f.queues {
		if q.Name != name {
			kept = append(kept, q)
		}
	}
	f.queues = kept
	return nil
}

func (f *fakeBroker) ListExchanges(ctx context.Context, vhost string) ([]rabbit.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbit.Exchange(nil), f.exchanges...), nil
}

func (f *fakeBroker) DeleteExchange(ctx context.Context, name, vhost string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedExchanges = append(f.deletedExchanges, name)
	return nil
}

func (f *fakeBroker) ListConnections(ctx context.Context, vhost string) ([]rabbit.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbit.Connection(nil), f.connections...), nil
}

func (f *fakeBroker) TerminateConnection(ctx context.Context, name, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.goneConnections[name] {
		return &rabbit.APIError{StatusCode: http.StatusNotFound, Endpoint: "connections/" + name}
	}
	f.terminated[name] = reason
	return nil
}

func (f *fakeBroker) Overview(ctx context.Context) (*rabbit.Overview, error) {
	return &rabbit.Overview{}, nil
}

func (f *fakeBroker) ClusterName(ctx context.Context) (string, error) { return "test", nil }

func (f *fakeBroker) setQueueMessages(name string, messages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.queues {
		if f.queues[i].Name == name {
			f.queues[i].Messages = messages
		}
	}
}

// notification 记录一次通知投递
type notification struct {
	contact *model.Contact
	subject string
	body    string
}

// recorderNotifier 是测试用的Notifier实现，记录全部投递
type recorderNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recorderNotifier) Send(ctx context.Context, contact *model.Contact, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{contact: contact, subject: subject, body: body})
	return nil
}

func (r *recorderNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Rabbit.Vhost = "/"
	cfg.App.UsernamePrefix = "amq-"
	cfg.App.QueuePrefix = "queue/"
	cfg.App.ExchangePrefix = "exchange/"
	cfg.App.RotationInterval = time.Hour
	cfg.Monitor.AlertThreshold = 5
	cfg.Monitor.DeleteThreshold = 10
	cfg.Monitor.ConnectionMaxLifetime = 72 * time.Hour
	cfg.Monitor.QueueStateRetention = 24 * time.Hour
	cfg.Monitor.Concurrency = 4
	return cfg
}

type sweepEnv struct {
	sweeper     *Sweeper
	namespaces  *namespacestore.MemoryStore
	queueStates *queuestatestore.MemoryStore
	broker      *fakeBroker
	notifier    *recorderNotifier
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	namespaces := namespacestore.NewMemoryStore()
	queueStates := queuestatestore.NewMemoryStore()
	broker := newFakeBroker()
	notifier := &recorderNotifier{}
	sweeper := NewSweeper(namespaces, queueStates, broker, notifier, testConfig(), nopLogger{})
	return &sweepEnv{
		sweeper:     sweeper,
		namespaces:  namespaces,
		queueStates: queueStates,
		broker:      broker,
		notifier:    notifier,
	}
}

func (e *sweepEnv) addNamespace(t *testing.T, name string, contact *model.Contact) {
	t.Helper()
	err := e.namespaces.Create(context.Background(), &model.Namespace{
		Name:          name,
		Password:      "secret",
		Created:       time.Now(),
		Expires:       time.Now().Add(24 * time.Hour),
		RotationState: model.SlotA,
		NextRotation:  time.Now().Add(time.Hour),
		Contact:       contact,
	})
	require.NoError(t, err)
}

func TestSweepEdgeTriggeredAlerting(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	contact := &model.Contact{Method: model.ContactEmail, Address: "a@b.com"}
	env.addNamespace(t, "acme", contact)

	// 队列在warning区间保持三轮巡检
	env.broker.queues = []rabbit.Queue{{Name: "queue/acme/jobs", Vhost: "/", Messages: 7}}

	for i := 0; i < 3; i++ {
		require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))
	}

	// 只在进入warning的那次转换发送一条通知
	require.Equal(t, 1, env.notifier.count())
	assert.Equal(t, contact, env.notifier.sent[0].contact)
	assert.Contains(t, env.notifier.sent[0].subject, "queue/acme/jobs")
	assert.Contains(t, env.notifier.sent[0].subject, "danger of being deleted")

	// warning状态的队列不会被删除
	assert.Empty(t, env.broker.deletedQueues)
}

func TestSweepQueueThresholdScenario(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	contact := &model.Contact{Method: model.ContactEmail, Address: "a@b.com"}
	env.addNamespace(t, "acme", contact)

	// 空队列：normal，不通知不删除
	env.broker.queues = []rabbit.Queue{{Name: "queue/acme/jobs", Vhost: "/", Messages: 0}}
	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))
	assert.Equal(t, 0, env.notifier.count())
	assert.Empty(t, env.broker.deletedQueues)

	// 超过告警阈值但未超过删除阈值：一条warning通知，队列保留
	env.broker.setQueueMessages("queue/acme/jobs", 7)
	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))
	require.Equal(t, 1, env.notifier.count())
	assert.Contains(t, env.notifier.sent[0].subject, "danger of being deleted")
	assert.Empty(t, env.broker.deletedQueues)

	// 超过删除阈值：第二条通知，之后队列不复存在
	env.broker.setQueueMessages("queue/acme/jobs", 12)
	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))
	require.Equal(t, 2, env.notifier.count())
	assert.Contains(t, env.notifier.sent[1].subject, "has been deleted")
	assert.Contains(t, env.notifier.sent[1].body, "12 messages")
	assert.Equal(t, []string{"queue/acme/jobs"}, env.broker.deletedQueues)

	queues, err := env.broker.ListQueues(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestSweepOrphanQueueDeletedWithoutNotification(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	// 没有对应命名空间的租户队列直接删除，不发通知
	env.broker.queues = []rabbit.Queue{{Name: "queue/ghost/jobs", Vhost: "/", Messages: 100}}

	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))

	assert.Equal(t, []string{"queue/ghost/jobs"}, env.broker.deletedQueues)
	assert.Equal(t, 0, env.notifier.count())
}

func TestSweepSkipsNotificationWithoutContact(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	env.addNamespace(t, "acme", nil)

	env.broker.queues = []rabbit.Queue{{Name: "queue/acme/jobs", Vhost: "/", Messages: 7}}
	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))

	// 没有联系方式时静默跳过通知，但状态记录照常维护
	assert.Equal(t, 0, env.notifier.count())
	status, err := env.queueStates.Get(ctx, "queue/acme/jobs")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStateWarning, status.State)
}

func TestSweepUnrelatedResourcesUntouched(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	env.addNamespace(t, "foo", nil)

	// 不带租户前缀的资源无论foo命名空间是否存在都不能被动到
	env.broker.queues = []rabbit.Queue{{Name: "other/foo/bar", Vhost: "/", Messages: 99999}}
	env.broker.exchanges = []rabbit.Exchange{{Name: "stuff/foo/logs", Vhost: "/"}}
	env.broker.connections = []rabbit.Connection{
		{Name: "conn-1", User: "guest", ConnectedAt: time.Now().Add(-200 * time.Hour).UnixMilli()},
	}

	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))

	assert.Empty(t, env.broker.deletedQueues)
	assert.Empty(t, env.broker.deletedExchanges)
	assert.Empty(t, env.broker.terminated)
	assert.Equal(t, 0, env.notifier.count())
}

func TestSweepConnections(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	env.addNamespace(t, "acme", nil)

	now := time.Now()
	env.broker.connections = []rabbit.Connection{
		// 命名空间已不存在
		{Name: "conn-ghost", User: "amq-ghost-A", ConnectedAt: now.Add(-time.Hour).UnixMilli()},
		// 存活超过上限
		{Name: "conn-old", User: "amq-acme-A", ConnectedAt: now.Add(-100 * time.Hour).UnixMilli()},
		// 正常连接
		{Name: "conn-ok", User: "amq-acme-B", ConnectedAt: now.Add(-time.Hour).UnixMilli()},
	}

	require.NoError(t, env.sweeper.Sweep(ctx, now))

	assert.Equal(t, "namespace expired", env.broker.terminated["conn-ghost"])
	assert.Equal(t, "connection too long lived", env.broker.terminated["conn-old"])
	_, touched := env.broker.terminated["conn-ok"]
	assert.False(t, touched)
}

func TestSweepConnectionAlreadyClosed(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	// 终止时连接已自行关闭，404按成功处理
	env.broker.connections = []rabbit.Connection{
		{Name: "conn-gone", User: "amq-ghost-A", ConnectedAt: time.Now().Add(-time.Hour).UnixMilli()},
	}
	env.broker.goneConnections["conn-gone"] = true

	assert.NoError(t, env.sweeper.Sweep(ctx, time.Now()))
}

func TestSweepOrphanExchangeDeleted(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()
	env.addNamespace(t, "acme", nil)

	env.broker.exchanges = []rabbit.Exchange{
		{Name: "exchange/ghost/logs", Vhost: "/"},
		{Name: "exchange/acme/logs", Vhost: "/"},
	}

	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))

	// 孤儿交换机被删除，有主的保留，均不通知
	assert.Equal(t, []string{"exchange/ghost/logs"}, env.broker.deletedExchanges)
	assert.Equal(t, 0, env.notifier.count())
}

func TestSweepQueueStateGC(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	now := time.Now()

	// 一条长期未更新的状态记录，对应的队列早已不在
	require.NoError(t, env.queueStates.Create(ctx, &model.QueueStatus{
		Name:    "queue/acme/old",
		State:   model.QueueStateWarning,
		Updated: now.Add(-48 * time.Hour),
	}))
	// 一条新鲜的状态记录
	require.NoError(t, env.queueStates.Create(ctx, &model.QueueStatus{
		Name:    "queue/acme/new",
		State:   model.QueueStateNormal,
		Updated: now.Add(-time.Hour),
	}))

	require.NoError(t, env.sweeper.Sweep(ctx, now))

	_, err := env.queueStates.Get(ctx, "queue/acme/old")
	assert.Error(t, err)
	_, err = env.queueStates.Get(ctx, "queue/acme/new")
	assert.NoError(t, err)
}

func TestSweepIgnoresExpiredNamespaces(t *testing.T) {
	env := newSweepEnv(t)
	ctx := context.Background()

	// 已过期但尚未被expire清掉的命名空间视同不存在，其资源按孤儿处理
	err := env.namespaces.Create(ctx, &model.Namespace{
		Name:          "stale",
		Password:      "secret",
		Created:       time.Now().Add(-48 * time.Hour),
		Expires:       time.Now().Add(-time.Hour),
		RotationState: model.SlotA,
	})
	require.NoError(t, err)

	env.broker.queues = []rabbit.Queue{{Name: "queue/stale/jobs", Vhost: "/", Messages: 1}}

	require.NoError(t, env.sweeper.Sweep(ctx, time.Now()))
	assert.Equal(t, []string{"queue/stale/jobs"}, env.broker.deletedQueues)
}
