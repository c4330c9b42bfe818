package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/mem"

	"kiosklink/internal/core/ports"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddRelayStoreCheck verifies the signaling store answers.
func (h *HealthChecker) AddRelayStoreCheck(store ports.RelayStore, timeout time.Duration) {
	h.AddCheck("relay_store", func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddMessagingCheck reports the messaging hub or client as healthy while
// connected reports true.
func (h *HealthChecker) AddMessagingCheck(connected func() bool, timeout time.Duration) {
	h.AddCheck("messaging", func(ctx context.Context) (bool, error) {
		return connected(), nil
	}, timeout)
}

// AddMemoryCheck fails once host memory use exceeds maxUsedPercent.
func (h *HealthChecker) AddMemoryCheck(maxUsedPercent float64, timeout time.Duration) {
	h.AddCheck("memory", func(ctx context.Context) (bool, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return false, err
		}
		if vm.UsedPercent > maxUsedPercent {
			return false, fmt.Errorf("memory used %.1f%% above %.1f%%", vm.UsedPercent, maxUsedPercent)
		}
		return true, nil
	}, timeout)
}
