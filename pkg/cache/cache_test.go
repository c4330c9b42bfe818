package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ExpiresAfterTTL(t *testing.T) {
	now := time.Unix(100, 0)
	c := New[string, int](time.Minute).WithClock(func() time.Time { return now })

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrSetCachesOnlySuccess(t *testing.T) {
	c := New[string, string](time.Minute)
	calls := 0

	_, err := c.GetOrSet(context.Background(), "k", func(context.Context) (string, error) {
		calls++
		return "", errors.New("boom")
	})
	assert.Error(t, err)

	for i := 0; i < 3; i++ {
		v, err := c.GetOrSet(context.Background(), "k", func(context.Context) (string, error) {
			calls++
			return "value", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}
	assert.Equal(t, 2, calls)
}

func TestCache_Delete(t *testing.T) {
	c := New[int, string](time.Minute)
	c.Set(1, "x")
	c.Delete(1)

	_, ok := c.Get(1)
	assert.False(t, ok)
}
