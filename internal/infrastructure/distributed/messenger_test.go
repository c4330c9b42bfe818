package distributed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("KIOSKLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("KIOSKLINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func runMessenger(t *testing.T, m *Messenger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		m.Close()
		<-done
	})
}

func TestMessenger_DeliversToOtherDevices(t *testing.T) {
	client := testClient(t)
	prefix := "kiosklink:test:" + time.Now().Format("150405.000000")
	log := zap.NewNop().Sugar()

	cashier := NewMessenger(client, prefix, "cashier-1", domain.RoleCashier, log)
	display := NewMessenger(client, prefix, "display-1", domain.RoleDisplay, log)
	runMessenger(t, cashier)
	runMessenger(t, display)

	var (
		mu       sync.Mutex
		received []domain.Message
		own      int
	)
	display.Subscribe(func(m domain.Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	cashier.Subscribe(func(domain.Message) {
		mu.Lock()
		own++
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, cashier.Join(ctx, "K1"))
	require.NoError(t, display.Join(ctx, "K1"))
	time.Sleep(100 * time.Millisecond)

	hb := domain.HeartbeatMessage("K1", domain.HealthSnapshot{AudioInbound: true})
	require.NoError(t, cashier.Publish(ctx, hb))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.MessageStatus, received[0].Type)
	assert.Equal(t, "cashier-1", received[0].Sender)
	assert.True(t, received[0].Snapshot().AudioInbound)
	assert.Zero(t, own)
}

func TestMessenger_PublishRequiresKey(t *testing.T) {
	m := &Messenger{deviceID: "d", logger: zap.NewNop().Sugar()}
	err := m.Publish(context.Background(), domain.Message{Type: domain.MessageStatus})
	assert.Error(t, err)
}

type recordingBroadcaster struct {
	msgs []domain.Message
}

func (r *recordingBroadcaster) Broadcast(msg domain.Message) { r.msgs = append(r.msgs, msg) }

func TestBroadcasters_FanOut(t *testing.T) {
	a, b := &recordingBroadcaster{}, &recordingBroadcaster{}
	Broadcasters{a, b}.Broadcast(domain.Message{Type: domain.MessageStopped, PairingKey: "K1"})
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}

func TestLock_ExcludesSecondHolder(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := "kiosklink:test:lock:" + time.Now().Format("150405.000000")

	first := NewLock(client, key, time.Second)
	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	second := NewLock(client, key, time.Second)
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, second.Release(ctx), ErrLockNotHeld)

	// renewal keeps the lease past its ttl
	time.Sleep(1500 * time.Millisecond)
	assert.ErrorIs(t, second.Acquire(ctx, 200*time.Millisecond), ErrLockTimeout)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx, time.Second))
	require.NoError(t, second.Release(ctx))
}

func TestWithLock_RunsFn(t *testing.T) {
	client := testClient(t)
	key := "kiosklink:test:withlock:" + time.Now().Format("150405.000000")

	ran := false
	err := WithLock(context.Background(), client, key, time.Second, time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
