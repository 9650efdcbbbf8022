package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gigmarket/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRooms 记录房间广播
type fakeRooms struct {
	mu     sync.Mutex
	events []roomEvent
}

type roomEvent struct {
	conversationKey string
	kind            event.Kind
	userID          uint
	exclude         []string
}

func (f *fakeRooms) Broadcast(conversationKey string, data []byte, exclude ...string) {
	env, err := event.Decode(data)
	if err != nil {
		return
	}
	var p event.TypingPayload
	_ = json.Unmarshal(env.Payload, &p)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, roomEvent{
		conversationKey: conversationKey,
		kind:            env.Kind,
		userID:          p.UserID,
		exclude:         exclude,
	})
}

func (f *fakeRooms) snapshot() []roomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]roomEvent(nil), f.events...)
}

// fakeGlobal 记录全量扇出
type fakeGlobal struct {
	mu     sync.Mutex
	events []event.Kind
}

func (f *fakeGlobal) Broadcast(data []byte) {
	env, err := event.Decode(data)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, env.Kind)
}

func (f *fakeGlobal) kinds() []event.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Kind(nil), f.events...)
}

// fakeMirror 记录镜像写入
type fakeMirror struct {
	mu      sync.Mutex
	online  []uint
	offline []uint
}

func (f *fakeMirror) SetOnline(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakeMirror) SetOffline(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline(uint) bool { return true }

func newTestTracker(ttl time.Duration) (*Tracker, *fakeRooms, *fakeGlobal, *fakeMirror) {
	rooms := &fakeRooms{}
	global := &fakeGlobal{}
	mirror := &fakeMirror{}
	return NewTracker(ttl, alwaysOnline{}, rooms, global, mirror), rooms, global, mirror
}

func TestStartTypingBroadcastsOnce(t *testing.T) {
	tracker, rooms, _, _ := newTestTracker(time.Minute)

	tracker.StartTyping(1, "1:2", "sess-1")
	tracker.StartTyping(1, "1:2", "sess-1")
	tracker.StartTyping(1, "1:2", "sess-1")

	events := rooms.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, event.KindTypingStart, events[0].kind)
	assert.Equal(t, "1:2", events[0].conversationKey)
	assert.Equal(t, uint(1), events[0].userID)
	assert.Equal(t, []string{"sess-1"}, events[0].exclude)
	assert.True(t, tracker.IsTyping(1, "1:2"))
}

func TestTypingExpiresAutomatically(t *testing.T) {
	tracker, rooms, _, _ := newTestTracker(30 * time.Millisecond)

	tracker.StartTyping(1, "1:2")
	assert.True(t, tracker.IsTyping(1, "1:2"))

	// stop 信号丢失时 TTL 到期自动广播 stop
	require.Eventually(t, func() bool {
		return !tracker.IsTyping(1, "1:2")
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		events := rooms.snapshot()
		return len(events) == 2 && events[1].kind == event.KindTypingStop
	}, time.Second, 5*time.Millisecond)
}

func TestStartTypingResetsExpiry(t *testing.T) {
	tracker, _, _, _ := newTestTracker(50 * time.Millisecond)

	tracker.StartTyping(1, "1:2")
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tracker.StartTyping(1, "1:2")
	}

	// 持续输入期间不过期
	assert.True(t, tracker.IsTyping(1, "1:2"))
}

func TestStopTypingIsExplicitAndIdempotent(t *testing.T) {
	tracker, rooms, _, _ := newTestTracker(time.Minute)

	tracker.StartTyping(1, "1:2")
	tracker.StopTyping(1, "1:2")
	assert.False(t, tracker.IsTyping(1, "1:2"))

	// 重复 stop 不再广播
	tracker.StopTyping(1, "1:2")

	events := rooms.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, event.KindTypingStart, events[0].kind)
	assert.Equal(t, event.KindTypingStop, events[1].kind)
}

func TestTypingScopedPerConversation(t *testing.T) {
	tracker, _, _, _ := newTestTracker(time.Minute)

	tracker.StartTyping(1, "1:2")
	tracker.StartTyping(1, "1:3")
	tracker.StopTyping(1, "1:2")

	assert.False(t, tracker.IsTyping(1, "1:2"))
	assert.True(t, tracker.IsTyping(1, "1:3"))
}

func TestUserOnlineMirrorsAndBroadcasts(t *testing.T) {
	tracker, _, global, mirror := newTestTracker(time.Minute)

	tracker.UserOnline(5)

	assert.Equal(t, []uint{5}, mirror.online)
	assert.Equal(t, []event.Kind{event.KindPresenceOnline}, global.kinds())
}

func TestUserOfflineClearsTypingState(t *testing.T) {
	tracker, rooms, global, mirror := newTestTracker(time.Minute)

	tracker.StartTyping(5, "1:5")
	tracker.StartTyping(5, "5:9")
	tracker.StartTyping(2, "1:2")

	tracker.UserOffline(5)

	// 该用户所有对话的输入状态被清掉，其他用户不受影响
	assert.False(t, tracker.IsTyping(5, "1:5"))
	assert.False(t, tracker.IsTyping(5, "5:9"))
	assert.True(t, tracker.IsTyping(2, "1:2"))

	var stops int
	for _, e := range rooms.snapshot() {
		if e.kind == event.KindTypingStop && e.userID == 5 {
			stops++
		}
	}
	assert.Equal(t, 2, stops)
	assert.Equal(t, []uint{5}, mirror.offline)
	assert.Equal(t, []event.Kind{event.KindPresenceOffline}, global.kinds())
}
