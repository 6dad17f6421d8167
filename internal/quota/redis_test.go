package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/resilience"
)

// TestRedisStore_Integration requires a running Redis on localhost:6379 and
// skips otherwise.
func TestRedisStore_Integration(t *testing.T) {
	client := NewRedisClient("localhost:6379", "", 0)
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "quota-test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	provider := "p-" + uuid.NewString()
	clock := &testClock{now: time.Now()}
	l := NewLimiter(store, time.UTC).WithClock(clock.Now)
	l.SetLimits(provider, model.QuotaLimits{PerMinute: 100, PerHour: 3})

	r, err := l.TryReserve(ctx, provider, 2)
	require.NoError(t, err)

	_, err = l.TryReserve(ctx, provider, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrQuotaExhausted))

	u, err := l.Usage(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Minute, "denied reservation must not increment any window")
	assert.Equal(t, int64(2), u.Hour)

	require.NoError(t, l.Rollback(ctx, r))
	u, err = l.Usage(ctx, provider)
	require.NoError(t, err)
	assert.Zero(t, u.Hour)

	_, err = l.TryReserve(ctx, provider, 3)
	assert.NoError(t, err)
}

func TestRedisStore_KeyFormat(t *testing.T) {
	t.Parallel()
	s := NewRedisStore(nil, "")
	b := bucketFor(WindowHour, t0, time.UTC, 5)
	assert.Equal(t, "quota:zerobounce:hour:1772445600", s.key("zerobounce", b))
}
