package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/ledger"
	"genjob-orchestrator/internal/models"
)

type memJournal struct {
	mu       sync.Mutex
	outcomes []Outcome
	cleaned  []string
}

func (m *memJournal) RecordOutcome(_ context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *memJournal) RecordCleanup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned = append(m.cleaned, id)
	return nil
}

func TestCleanupTwiceHasSameEffectAsOnce(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rec := ledger.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)

	fp := &fakeProvider{}
	j := &memJournal{}
	c := NewCleaner(CleanerOptions{Provider: fp, Record: rec, Journal: j, Logger: zerolog.Nop()})

	assert.True(t, c.Cleanup(context.Background(), "abc123"))
	assert.True(t, c.Cleanup(context.Background(), "abc123"))
	assert.Equal(t, []string{"abc123"}, fp.deletedIDs())
	assert.Equal(t, []string{"abc123"}, j.cleaned)
}

func TestCleanupWithoutRecordIsStillSafe(t *testing.T) {
	fp := &fakeProvider{}
	c := NewCleaner(CleanerOptions{Provider: fp, Logger: zerolog.Nop()})
	assert.True(t, c.Cleanup(context.Background(), "abc"))
	assert.True(t, c.Cleanup(context.Background(), "abc"))
}

func TestCleanupSwallowsErrors(t *testing.T) {
	fp := &fakeProvider{deleteErr: errors.New("network down")}
	j := &memJournal{}
	c := NewCleaner(CleanerOptions{Provider: fp, Journal: j, Logger: zerolog.Nop()})

	assert.False(t, c.Cleanup(context.Background(), "abc"))
	assert.Empty(t, j.cleaned)
}

func TestCleanupRunsAfterCallerCanceled(t *testing.T) {
	fp := &fakeProvider{}
	c := NewCleaner(CleanerOptions{Provider: fp, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, c.Cleanup(ctx, "abc"))
	assert.Equal(t, []string{"abc"}, fp.deletedIDs())
}

func TestNilCleanerIsNoop(t *testing.T) {
	var c *Cleaner
	assert.False(t, c.Cleanup(context.Background(), "abc"))
}

func TestSettleRecordsOutcome(t *testing.T) {
	fp := &fakeProvider{}
	j := &memJournal{}
	f := &Finalizer{Cleaner: NewCleaner(CleanerOptions{Provider: fp, Journal: j, Logger: zerolog.Nop()}), Journal: j}

	o := f.Settle(context.Background(), "abc", succeeded("https://cdn/out.jpg").status())
	require.True(t, o.Succeeded())
	require.Len(t, j.outcomes, 1)
	assert.Equal(t, "https://cdn/out.jpg", j.outcomes[0].Result)
	assert.Equal(t, []string{"abc"}, j.cleaned)
}

func TestAbandonRecordsCauseAndCleansUp(t *testing.T) {
	fp := &fakeProvider{}
	j := &memJournal{}
	f := &Finalizer{Cleaner: NewCleaner(CleanerOptions{Provider: fp, Logger: zerolog.Nop()}), Journal: j}

	cause := &joberr.Error{Kind: joberr.KindTimeout, JobID: "slow", Message: "job did not finish in time, please try again"}
	f.Abandon(context.Background(), "slow", cause)

	require.Len(t, j.outcomes, 1)
	assert.Equal(t, models.StateFailed, j.outcomes[0].State)
	assert.ErrorIs(t, j.outcomes[0].Err, joberr.Timeout)
	assert.Equal(t, []string{"slow"}, fp.deletedIDs())
}
