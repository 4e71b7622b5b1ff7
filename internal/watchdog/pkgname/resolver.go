// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pkgname resolves a UID to a display name for the ranker's
// report entries (§6's "Package-name service"). Resolution is lazy: a
// cache miss returns immediately with ok=false and queues a background
// fetch so later samples in the same boot benefit from the answer.
package pkgname

import (
	"context"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/carwatchdogd/pkg/werrors"
)

// DefaultAppUIDThreshold is the lowest UID considered an installed app.
// UIDs below it (system services) are resolved through the OS's
// password-entry database instead of the lookup service, matching §6:
// "System UIDs below the app-UID threshold are resolved via the
// operating system's password-entry lookup instead."
const DefaultAppUIDThreshold = 10000

const (
	defaultBatchSize   = 32
	defaultBatchWindow = 50 * time.Millisecond
	defaultQueueSize   = 256
)

// Service is the external package-name lookup collaborator: a single
// batch operation returning one name per requested UID, empty string
// meaning "unknown, keep UID string" (§6). Implementations should
// return a werrors.RetryableError for transient failures (the service
// being briefly unreachable); anything else is treated as permanent and
// is not retried.
type Service interface {
	GetNamesForUids(ctx context.Context, uids []int32) ([]string, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAppUIDThreshold overrides DefaultAppUIDThreshold.
func WithAppUIDThreshold(threshold int32) Option {
	return func(r *Resolver) { r.appUIDThreshold = threshold }
}

// WithPasswdLookup overrides the system-UID resolution function, used by
// tests to avoid depending on the real password database.
func WithPasswdLookup(fn func(uid int32) (string, bool)) Option {
	return func(r *Resolver) { r.passwdLookup = fn }
}

// WithBackOff overrides the retry policy used against Service.
func WithBackOff(b func() backoff.BackOff) Option {
	return func(r *Resolver) { r.backOff = b }
}

// Resolver implements ranker.PackageNames, backed by an in-memory cache
// with no TTL eviction: a UID's package identity does not change within
// a boot (§11.3), so once resolved (including to the empty "unknown"
// name) an entry never needs to be refreshed.
type Resolver struct {
	logger          logr.Logger
	svc             Service
	appUIDThreshold int32
	passwdLookup    func(uid int32) (string, bool)
	backOff         func() backoff.BackOff

	cache   sync.Map // int32 -> string
	pending sync.Map // int32 -> struct{}

	reqCh   chan int32
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New builds a Resolver. Start must be called before any cache miss can
// be resolved in the background; Lookup works standalone for system UIDs
// even before Start.
func New(logger logr.Logger, svc Service, opts ...Option) *Resolver {
	r := &Resolver{
		logger:          logger.WithName("pkgname"),
		svc:             svc,
		appUIDThreshold: DefaultAppUIDThreshold,
		passwdLookup:    passwdLookup,
		backOff:         func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		reqCh:           make(chan int32, defaultQueueSize),
		closeCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background batch-fetch worker.
func (r *Resolver) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Close stops the background worker and waits for it to exit.
func (r *Resolver) Close() {
	close(r.closeCh)
	r.wg.Wait()
}

// Lookup implements ranker.PackageNames. System UIDs are resolved
// synchronously from the local password database (cheap, no network);
// app UIDs are served from cache and, on a miss, a background fetch is
// queued for next time. A miss returns ("", false) so the caller falls
// back to the stringified UID for this sample.
func (r *Resolver) Lookup(uid int32) (string, bool) {
	if v, ok := r.cache.Load(uid); ok {
		name := v.(string)
		return name, name != ""
	}

	if uid < r.appUIDThreshold {
		name, _ := r.passwdLookup(uid)
		r.cache.Store(uid, name)
		return name, name != ""
	}

	r.enqueue(uid)
	return "", false
}

func (r *Resolver) enqueue(uid int32) {
	if _, loaded := r.pending.LoadOrStore(uid, struct{}{}); loaded {
		return
	}
	select {
	case r.reqCh <- uid:
	default:
		// Queue is full; drop the request and retry on a later sample
		// rather than block the ranker's caller.
		r.pending.Delete(uid)
	}
}

func (r *Resolver) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(defaultBatchWindow)
	defer ticker.Stop()

	var batch []int32
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.resolveBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case <-r.closeCh:
			return
		case <-ctx.Done():
			return
		case uid := <-r.reqCh:
			batch = append(batch, uid)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Resolver) resolveBatch(ctx context.Context, uids []int32) {
	defer func() {
		for _, uid := range uids {
			r.pending.Delete(uid)
		}
	}()

	names, err := backoff.Retry(ctx, func() ([]string, error) {
		names, err := r.svc.GetNamesForUids(ctx, uids)
		if err != nil {
			if werrors.Retryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return names, nil
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(5))
	if err != nil {
		r.logger.Info("package name lookup failed, keeping UID fallback", "uids", uids, "err", err)
		return
	}
	if len(names) != len(uids) {
		r.logger.Info("package name lookup returned mismatched result count", "want", len(uids), "got", len(names))
		return
	}
	for i, uid := range uids {
		r.cache.Store(uid, names[i])
	}
}

func passwdLookup(uid int32) (string, bool) {
	u, err := user.LookupId(strconv.Itoa(int(uid)))
	if err != nil {
		return "", false
	}
	return u.Username, true
}
