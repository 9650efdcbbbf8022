package delivery

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"gigmarket/internal/event"
	"gigmarket/internal/model"
	"gigmarket/internal/registry"
	"gigmarket/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore 内存版消息存储，强制与仓储相同的状态机约束
type fakeStore struct {
	mu       sync.Mutex
	nextID   uint
	messages map[uint]*model.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, messages: make(map[uint]*model.Message)}
}

func (s *fakeStore) Create(m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID
	s.nextID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	clone := *m
	s.messages[m.ID] = &clone
	return nil
}

func (s *fakeStore) UpdateStatus(messageID uint, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %d not found", messageID)
	}
	if !model.CanTransition(from, to) || m.DeliveryStatus != from {
		return fmt.Errorf("status conflict: %s → %s (current %s)", from, to, m.DeliveryStatus)
	}
	m.DeliveryStatus = to
	return nil
}

func (s *fakeStore) IncrementRetry(messageID uint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return 0, fmt.Errorf("message %d not found", messageID)
	}
	m.RetryCount++
	return m.RetryCount, nil
}

func (s *fakeStore) MarkRead(messageID uint, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %d not found", messageID)
	}
	m.IsRead = true
	m.ReadAt = &readAt
	// 与仓储一致：failed 没有到 read 的迁移边
	if m.DeliveryStatus != model.StatusFailed {
		m.DeliveryStatus = model.StatusRead
	}
	return nil
}

func (s *fakeStore) GetByID(messageID uint) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %d not found", messageID)
	}
	clone := *m
	return &clone, nil
}

func (s *fakeStore) status(messageID uint) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok {
		return m.DeliveryStatus
	}
	return ""
}

func (s *fakeStore) retryCount(messageID uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok {
		return m.RetryCount
	}
	return 0
}

// fakeSessions 可随时上下线的会话表
type fakeSessions struct {
	mu     sync.Mutex
	byUser map[uint][]*registry.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byUser: make(map[uint][]*registry.Session)}
}

func (f *fakeSessions) SessionsFor(userID uint) []*registry.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*registry.Session(nil), f.byUser[userID]...)
}

func (f *fakeSessions) set(userID uint, sessions ...*registry.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[userID] = sessions
}

func recvKind(t *testing.T, s *registry.Session) event.Kind {
	t.Helper()
	select {
	case data := <-s.Outbox():
		env, err := event.Decode(data)
		require.NoError(t, err)
		return env.Kind
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed event")
		return ""
	}
}

func newTestEngine(store *fakeStore, sessions *fakeSessions) *Engine {
	return NewEngine(store, sessions, Config{
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Millisecond,
	})
}

func TestSubmitDeliversToOnlineRecipient(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	sender := registry.NewSession(1, 8)
	recipient := registry.NewSession(2, 8)
	sessions.set(1, sender)
	sessions.set(2, recipient)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	// 返回时已持久化为 sent
	assert.NotZero(t, m.ID)
	assert.Equal(t, model.StatusSent, m.DeliveryStatus)

	// 接收方收到新消息，发送方收到 delivered 状态回执
	assert.Equal(t, event.KindMessageNew, recvKind(t, recipient))
	assert.Equal(t, event.KindMessageStatus, recvKind(t, sender))

	require.Eventually(t, func() bool {
		return store.status(m.ID) == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitCallerCopyStableDuringDelivery(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	recipient := registry.NewSession(2, 64)
	sessions.set(2, recipient)

	// 调用方在投递进行中序列化返回的消息，投递在副本上推进状态
	submitted := make([]*model.Message, 0, 50)
	for i := 0; i < 50; i++ {
		m := &model.Message{SenderID: 1, RecipientID: 2, Content: fmt.Sprintf("msg-%d", i), MsgType: model.TypeText}
		require.NoError(t, engine.Submit(m))
		_, err := json.Marshal(m)
		require.NoError(t, err)
		submitted = append(submitted, m)
	}

	require.Eventually(t, func() bool {
		for _, m := range submitted {
			if store.status(m.ID) != model.StatusDelivered {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// 存储里已是 delivered，调用方拿到的结构体仍停在返回时的 sent
	for _, m := range submitted {
		assert.Equal(t, model.StatusSent, m.DeliveryStatus)
		assert.Zero(t, m.RetryCount)
	}
}

func TestSubmitOfflineRecipientStaysSent(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	// 接收方离线：消息以 sent 状态留在存储里，不重试也不标记失败
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StatusSent, store.status(m.ID))
	assert.Zero(t, store.retryCount(m.ID))
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	sender := registry.NewSession(1, 8)
	sessions.set(1, sender)
	// 队列容量为0的会话：每次推送都失败
	sessions.set(2, registry.NewSession(2, 0))

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	require.Eventually(t, func() bool {
		return store.status(m.ID) == model.StatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, store.retryCount(m.ID))

	// 发送方收到 failed 状态通知
	assert.Equal(t, event.KindMessageStatus, recvKind(t, sender))
}

func TestRecipientOfflineMidRetryCancels(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := NewEngine(store, sessions, Config{
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
	})

	// 第一次尝试失败后对方下线
	sessions.set(2, registry.NewSession(2, 0))

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	require.Eventually(t, func() bool {
		return store.retryCount(m.ID) == 1
	}, time.Second, time.Millisecond)
	sessions.set(2)

	// 剩余重试被取消，消息保持 sent 等待重连拉取
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.StatusSent, store.status(m.ID))
	assert.Equal(t, 1, store.retryCount(m.ID))
}

func TestResendRestartsFailedMessage(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	// 先制造一条 failed 消息
	sessions.set(2, registry.NewSession(2, 0))
	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))
	require.Eventually(t, func() bool {
		return store.status(m.ID) == model.StatusFailed
	}, time.Second, 5*time.Millisecond)

	// 对方重新上线后手动重发
	recipient := registry.NewSession(2, 8)
	sessions.set(2, recipient)

	resent, err := engine.Resend(m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, resent.DeliveryStatus)

	assert.Equal(t, event.KindMessageNew, recvKind(t, recipient))
	require.Eventually(t, func() bool {
		return store.status(m.ID) == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)

	// 投递在副本上推进，返回给调用方的结构体不被改写
	assert.Equal(t, model.StatusSent, resent.DeliveryStatus)
}

func TestResendRejectsWrongOwnerAndState(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	// 非 failed 状态不能重发
	_, err := engine.Resend(m.ID, 1)
	assert.True(t, apperr.IsValidation(err))

	// 非发送者不能重发
	_, err = engine.Resend(m.ID, 2)
	assert.True(t, apperr.IsValidation(err))
}

func TestMarkReadNotifiesSender(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	sender := registry.NewSession(1, 8)
	sessions.set(1, sender)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	read, err := engine.MarkRead(m.ID, 2)
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)
	assert.Equal(t, model.StatusRead, store.status(m.ID))

	assert.Equal(t, event.KindMessageStatus, recvKind(t, sender))
}

func TestMarkReadRejectsNonRecipient(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	_, err := engine.MarkRead(m.ID, 1)
	assert.True(t, apperr.IsValidation(err))
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	first, err := engine.MarkRead(m.ID, 2)
	require.NoError(t, err)
	again, err := engine.MarkRead(m.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, first.ReadAt.Unix(), again.ReadAt.Unix())
	assert.Equal(t, model.StatusRead, store.status(m.ID))
}

func TestMarkReadFiresStatusHookOnce(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	// 未读计数等记账挂在状态钩子上，重复标记不能重复触发 read
	var mu sync.Mutex
	reads := 0
	engine.OnStatusChange(func(m *model.Message, status string) {
		if status == model.StatusRead {
			mu.Lock()
			reads++
			mu.Unlock()
		}
	})

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	_, err := engine.MarkRead(m.ID, 2)
	require.NoError(t, err)
	_, err = engine.MarkRead(m.ID, 2)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reads)
}

func TestMarkReadOnFailedMessageKeepsFailedStatus(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	sender := registry.NewSession(1, 8)
	sessions.set(1, sender)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))
	require.NoError(t, store.UpdateStatus(m.ID, model.StatusSent, model.StatusFailed))

	// failed 消息仍可标记已读，但投递状态不走 failed → read
	read, err := engine.MarkRead(m.ID, 2)
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)
	assert.Equal(t, model.StatusFailed, read.DeliveryStatus)
	assert.Equal(t, model.StatusFailed, store.status(m.ID))

	// 已读回执照常推给发送方
	assert.Equal(t, event.KindMessageStatus, recvKind(t, sender))
}

func TestOnStatusChangeHookFires(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	var mu sync.Mutex
	var statuses []string
	engine.OnStatusChange(func(m *model.Message, status string) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	})

	recipient := registry.NewSession(2, 8)
	sessions.set(2, recipient)

	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.StatusSent, statuses[0])
	assert.Equal(t, model.StatusDelivered, statuses[1])
}

func TestConcurrentSubmitsDeliverUniquely(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := newTestEngine(store, sessions)

	recipient := registry.NewSession(2, 32)
	sessions.set(2, recipient)

	const total = 10
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m := &model.Message{SenderID: 1, RecipientID: 2, Content: fmt.Sprintf("msg-%d", n), MsgType: model.TypeText}
			assert.NoError(t, engine.Submit(m))
		}(i)
	}
	wg.Wait()

	// 每条消息恰好推送一次，无重复无丢失
	seen := make(map[uint]bool)
	for i := 0; i < total; i++ {
		select {
		case data := <-recipient.Outbox():
			env, err := event.Decode(data)
			require.NoError(t, err)
			require.Equal(t, event.KindMessageNew, env.Kind)
			var p event.MessagePayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			assert.False(t, seen[p.Message.ID])
			seen[p.Message.ID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	assert.Len(t, seen, total)

	require.Eventually(t, func() bool {
		for id := range seen {
			if store.status(id) != model.StatusDelivered {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownCancelsPendingRetries(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	engine := NewEngine(store, sessions, Config{
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
	})

	sessions.set(2, registry.NewSession(2, 0))
	m := &model.Message{SenderID: 1, RecipientID: 2, Content: "hi", MsgType: model.TypeText}
	require.NoError(t, engine.Submit(m))

	require.Eventually(t, func() bool {
		return store.retryCount(m.ID) == 1
	}, time.Second, time.Millisecond)
	engine.Shutdown()

	// 排程中的重试被取消，消息保持 sent
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, model.StatusSent, store.status(m.ID))
	assert.Equal(t, 1, store.retryCount(m.ID))
}
