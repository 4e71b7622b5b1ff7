// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pkgname

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

type fakeService struct {
	mu       sync.Mutex
	calls    int
	failN    int // fail this many calls with a retryable error before succeeding
	permanent bool
	names    map[int32]string
}

func (f *fakeService) GetNamesForUids(ctx context.Context, uids []int32) ([]string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.permanent {
		return nil, assertErr("permanent failure")
	}
	if call <= f.failN {
		return nil, werrors.NewRetryable("lookup service temporarily unavailable")
	}

	out := make([]string, len(uids))
	for i, uid := range uids {
		out[i] = f.names[uid]
	}
	return out, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func fastBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	return b
}

func waitUntilResolver(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestResolver_SystemUIDResolvedSynchronously(t *testing.T) {
	svc := &fakeService{}
	r := New(logr.Discard(), svc, WithPasswdLookup(func(uid int32) (string, bool) {
		if uid == 1000 {
			return "system", true
		}
		return "", false
	}))

	name, ok := r.Lookup(1000)
	assert.True(t, ok)
	assert.Equal(t, "system", name)
	assert.Zero(t, svc.calls, "system UIDs must never hit the lookup service")
}

func TestResolver_UnknownSystemUIDReturnsNotOK(t *testing.T) {
	svc := &fakeService{}
	r := New(logr.Discard(), svc, WithPasswdLookup(func(uid int32) (string, bool) { return "", false }))

	name, ok := r.Lookup(1000)
	assert.False(t, ok)
	assert.Empty(t, name)
}

func TestResolver_AppUIDCacheMissQueuesBackgroundFetch(t *testing.T) {
	svc := &fakeService{names: map[int32]string{10050: "com.example.app"}}
	r := New(logr.Discard(), svc, WithBackOff(fastBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Close()

	name, ok := r.Lookup(10050)
	assert.False(t, ok, "first lookup is always a miss")
	assert.Empty(t, name)

	waitUntilResolver(t, func() bool {
		name, ok := r.Lookup(10050)
		return ok && name == "com.example.app"
	})
}

func TestResolver_EmptyNameIsCachedAsUnknown(t *testing.T) {
	svc := &fakeService{names: map[int32]string{10051: ""}}
	r := New(logr.Discard(), svc, WithBackOff(fastBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Close()

	r.Lookup(10051)
	waitUntilResolver(t, func() bool {
		_, loaded := r.cache.Load(int32(10051))
		return loaded
	})
	name, ok := r.Lookup(10051)
	assert.False(t, ok)
	assert.Empty(t, name)
}

func TestResolver_RetriesTransientFailures(t *testing.T) {
	svc := &fakeService{failN: 2, names: map[int32]string{10052: "com.example.retry"}}
	r := New(logr.Discard(), svc, WithBackOff(fastBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Close()

	r.Lookup(10052)
	waitUntilResolver(t, func() bool {
		name, ok := r.Lookup(10052)
		return ok && name == "com.example.retry"
	})
	svc.mu.Lock()
	calls := svc.calls
	svc.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3)
}

func TestResolver_PermanentFailureDoesNotRetryForever(t *testing.T) {
	svc := &fakeService{permanent: true}
	r := New(logr.Discard(), svc, WithBackOff(fastBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Close()

	r.Lookup(10053)
	waitUntilResolver(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.calls == 1
	})
	time.Sleep(20 * time.Millisecond)
	svc.mu.Lock()
	calls := svc.calls
	svc.mu.Unlock()
	assert.Equal(t, 1, calls, "a permanent error must not be retried")

	_, ok := r.Lookup(10053)
	assert.False(t, ok)
}

func TestResolver_DuplicateLookupsDoNotQueueTwice(t *testing.T) {
	svc := &fakeService{names: map[int32]string{10054: "com.example.dup"}}
	r := New(logr.Discard(), svc, WithBackOff(fastBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Close()

	for i := 0; i < 5; i++ {
		r.Lookup(10054)
	}
	waitUntilResolver(t, func() bool {
		name, ok := r.Lookup(10054)
		return ok && name == "com.example.dup"
	})

	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.calls == 1
	}, time.Second, time.Millisecond)
}
