package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResetter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeResetter) ResetDueBalances(context.Context) (int, error) {
	f.calls.Add(1)
	return 2, f.err
}

type fakeDeliverer struct {
	calls atomic.Int32
}

func (f *fakeDeliverer) DeliverPending(context.Context) (int, error) {
	f.calls.Add(1)
	return 1, nil
}

func TestScheduler_RunsDelivery(t *testing.T) {
	resetter := &fakeResetter{}
	deliverer := &fakeDeliverer{}
	s := NewScheduler(resetter, deliverer, time.UTC, time.Second)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return deliverer.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Len(t, s.cron.Entries(), 2)
}

func TestScheduler_SinglePasses(t *testing.T) {
	resetter := &fakeResetter{err: errors.New("db down")}
	deliverer := &fakeDeliverer{}
	s := NewScheduler(resetter, deliverer, nil, time.Minute)

	assert.NotPanics(t, func() {
		s.ResetBalances(context.Background())
		s.DeliverNotifications(context.Background())
	})
	assert.Equal(t, int32(1), resetter.calls.Load())
	assert.Equal(t, int32(1), deliverer.calls.Load())
}
