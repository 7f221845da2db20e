package oracle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyOracle_DefaultPolicy(t *testing.T) {
	o, err := NewPolicyOracle("", 60, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		name     string
		used     int
		limit    int
		minutes  int
		reason   string
		expected Decision
	}{
		{"within bonus", 145, 180, 30, "homework", Approved},
		{"exactly at bonus", 200, 180, 40, "homework", Approved},
		{"over bonus", 200, 180, 41, "homework", Denied},
		{"no reason", 10, 180, 15, "   ", Denied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			in.TotalUsedMinutes = tt.used
			in.LimitMinutes = tt.limit
			in.RequestedMinutes = tt.minutes
			in.Reason = tt.reason

			v, err := o.Decide(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v.Decision)
			assert.NotEmpty(t, v.Message)
		})
	}
}

func TestPolicyOracle_PolicyDirAndReload(t *testing.T) {
	dir := t.TempDir()
	write := func(decision string) {
		policy := `package kquota

import rego.v1

decision := {"decision": "` + decision + `", "message": "house rules"}
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.rego"), []byte(policy), 0644))
	}

	write("denied")
	o, err := NewPolicyOracle(dir, 0, zerolog.Nop())
	require.NoError(t, err)

	v, err := o.Decide(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, Denied, v.Decision)

	write("approved")
	require.NoError(t, o.Reload())

	v, err = o.Decide(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, Approved, v.Decision)
	assert.Equal(t, "house rules", v.Message)
}

func TestPolicyOracle_InvalidVerdict(t *testing.T) {
	dir := t.TempDir()
	policy := `package kquota

import rego.v1

decision := {"decision": "ask-again", "message": ""}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.rego"), []byte(policy), 0644))

	o, err := NewPolicyOracle(dir, 0, zerolog.Nop())
	require.NoError(t, err)

	_, err = o.Decide(context.Background(), testInput())
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestPolicyOracle_EmptyDir(t *testing.T) {
	_, err := NewPolicyOracle(t.TempDir(), 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestPolicyOracle_ReloadWhileDeciding(t *testing.T) {
	o, err := NewPolicyOracle("", 60, zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := o.Decide(context.Background(), testInput())
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, o.Reload())
	}
	wg.Wait()
}
