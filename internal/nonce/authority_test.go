package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 5 * time.Minute

func newTestAuthority(t *testing.T) (*Authority, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	return NewAuthority(NewMemoryStore(), mock, testTTL), mock
}

func TestIssue(t *testing.T) {
	a, mock := newTestAuthority(t)

	rec, err := a.Issue(context.Background(), "203.0.113.7", "Mozilla/5.0")
	require.NoError(t, err)

	assert.Len(t, rec.Value, 32) // 16 random bytes, hex encoded
	assert.Equal(t, mock.Now(), rec.IssuedAt)
	assert.Equal(t, mock.Now().Add(testTTL), rec.ExpiresAt)
	assert.Equal(t, "203.0.113.7", rec.IP)
	assert.Equal(t, "Mozilla/5.0", rec.UserAgent)
	assert.False(t, rec.Consumed)

	other, err := a.Issue(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEqual(t, rec.Value, other.Value)
}

func TestConsumeOnce(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	rec, err := a.Issue(ctx, "", "")
	require.NoError(t, err)

	status, got, err := a.Consume(ctx, rec.Value)
	require.NoError(t, err)
	assert.Equal(t, ConsumeOK, status)
	assert.Equal(t, rec.Value, got.Value)

	status, _, err = a.Consume(ctx, rec.Value)
	require.NoError(t, err)
	assert.Equal(t, ConsumeAlreadyUsed, status)
}

func TestConsumeUnknown(t *testing.T) {
	a, _ := newTestAuthority(t)

	status, _, err := a.Consume(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ConsumeNotFound, status)

	status, _, err = a.Consume(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, ConsumeNotFound, status)
}

func TestConsumeExpired(t *testing.T) {
	a, mock := newTestAuthority(t)
	ctx := context.Background()

	rec, err := a.Issue(ctx, "", "")
	require.NoError(t, err)

	// Exactly at expiry is still live; one millisecond past is not.
	mock.Add(testTTL)
	status, _, err := a.Consume(ctx, rec.Value)
	require.NoError(t, err)
	assert.Equal(t, ConsumeOK, status)

	rec2, err := a.Issue(ctx, "", "")
	require.NoError(t, err)
	mock.Add(testTTL + time.Millisecond)
	status, _, err = a.Consume(ctx, rec2.Value)
	require.NoError(t, err)
	assert.Equal(t, ConsumeExpired, status)
}

func TestSweep(t *testing.T) {
	a, mock := newTestAuthority(t)
	ctx := context.Background()

	stale, err := a.Issue(ctx, "", "")
	require.NoError(t, err)
	mock.Add(testTTL + time.Millisecond)
	fresh, err := a.Issue(ctx, "", "")
	require.NoError(t, err)

	removed, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	status, _, err := a.Consume(ctx, stale.Value)
	require.NoError(t, err)
	assert.Equal(t, ConsumeNotFound, status)

	status, _, err = a.Consume(ctx, fresh.Value)
	require.NoError(t, err)
	assert.Equal(t, ConsumeOK, status)
}

func TestStats(t *testing.T) {
	a, mock := newTestAuthority(t)
	ctx := context.Background()

	_, err := a.Issue(ctx, "", "")
	require.NoError(t, err)
	mock.Add(testTTL + time.Millisecond)

	consumed, err := a.Issue(ctx, "", "")
	require.NoError(t, err)
	_, _, err = a.Consume(ctx, consumed.Value)
	require.NoError(t, err)

	_, err = a.Issue(ctx, "", "")
	require.NoError(t, err)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Active: 1, Consumed: 1, Expired: 1}, stats)
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	rec, err := a.Issue(ctx, "", "")
	require.NoError(t, err)

	const callers = 32
	results := make(chan ConsumeStatus, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			status, _, err := a.Consume(ctx, rec.Value)
			if err != nil {
				t.Error(err)
				return
			}
			results <- status
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for status := range results {
		switch status {
		case ConsumeOK:
			winners++
		case ConsumeAlreadyUsed:
		default:
			t.Fatalf("unexpected status %q", status)
		}
	}
	assert.Equal(t, 1, winners)
}
