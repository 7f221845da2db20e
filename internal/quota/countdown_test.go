package quota

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/kquota/internal/storage"
)

func TestNewCountdown_Seed(t *testing.T) {
	tests := []struct {
		name     string
		used     int
		limit    int
		expected int64
	}{
		{"scenario A", 145, 180, 2100},
		{"exactly used up", 180, 180, 0},
		{"overdrawn", 200, 180, 0},
		{"zero limit", 0, 0, 0},
		{"fresh day", 0, 120, 7200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cd := NewCountdown("c", storage.ChildQuota{TotalUsedMinutes: tt.used, LimitMinutes: tt.limit})
			assert.Equal(t, tt.expected, cd.Snapshot())
		})
	}
}

func TestCountdown_TickFloorsAtZero(t *testing.T) {
	cd := NewCountdown("c", storage.ChildQuota{TotalUsedMinutes: 179, LimitMinutes: 180})

	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, cd.Tick(), int64(0))
	}
	assert.Equal(t, int64(0), cd.Snapshot())
	assert.True(t, cd.Exhausted())
}

func TestCountdown_ApplyGrant(t *testing.T) {
	cd := NewCountdown("c", storage.ChildQuota{TotalUsedMinutes: 145, LimitMinutes: 180})
	tickN(cd, 10)

	require.NoError(t, cd.ApplyGrant(30))
	assert.Equal(t, int64(3890), cd.Snapshot())

	assert.ErrorIs(t, cd.ApplyGrant(0), ErrInvalidArgument)

	cd.close()
	assert.ErrorIs(t, cd.ApplyGrant(5), ErrCountdownClosed)
	assert.Equal(t, int64(3890), cd.Snapshot())
}

func TestCountdown_ConcurrentTickAndGrant(t *testing.T) {
	const ticks = 500

	for _, grantFirst := range []bool{true, false} {
		cd := NewCountdown("c", storage.ChildQuota{TotalUsedMinutes: 145, LimitMinutes: 180})
		previous := cd.Snapshot()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if !grantFirst {
				tickN(cd, 1)
			}
			assert.NoError(t, cd.ApplyGrant(30))
		}()
		go func() {
			defer wg.Done()
			tickN(cd, ticks)
		}()
		wg.Wait()

		extra := 0
		if !grantFirst {
			extra = 1
		}
		expected := previous - int64(ticks+extra) + 30*60
		assert.InDelta(t, expected, cd.Snapshot(), 1)
	}
}

func TestCountdown_GrantRevivesExhausted(t *testing.T) {
	// Scenario E at the clock level
	cd := NewCountdown("c", storage.ChildQuota{TotalUsedMinutes: 179, LimitMinutes: 180})
	tickN(cd, 60)
	require.True(t, cd.Exhausted())

	require.NoError(t, cd.ApplyGrant(15))
	assert.Equal(t, int64(900), cd.Snapshot())
	assert.False(t, cd.Exhausted())
}
