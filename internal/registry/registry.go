// Package registry implements the pending-render registry: process-local
// deduplication of in-flight render jobs so at most one outbound
// RenderJob exists per fingerprint at any time, with all waiters for
// that fingerprint sharing the eventual result (§4.4).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenivana/kasha/internal/model"
)

// Result is what a waiter's future resolves to.
type Result struct {
	Reply model.RenderReply
	Err   error
}

// Future is a one-shot result receiver, mirroring the teacher's
// dispatch-stage race pattern generalized from one waiter to N.
type Future <-chan Result

// pending tracks one in-flight fingerprint.
type pending struct {
	correlationID string
	publishedAt   time.Time
	waiters       []chan Result
}

// Registry implements beginOrJoin/complete/fail/sweepExpired (§4.4).
type Registry struct {
	mu            sync.Mutex
	byFingerprint map[string]*pending
	byCorrelation map[string]string // correlationID -> fingerprint key
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byFingerprint: make(map[string]*pending),
		byCorrelation: make(map[string]string),
	}
}

func fingerprintKey(fp model.Fingerprint) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s", fp.Site, fp.Path, fp.DeviceType, fp.Type, fp.CallbackURL)
}

// BeginOrJoin implements beginOrJoin(fingerprint, noWait): the caller
// that observes no in-flight entry becomes leader and must publish a
// RenderJob using correlationID; every caller — leader or not — gets a
// Future to await. When noWait is true and the caller joins an existing
// entry, the returned future is pre-resolved to an accepted placeholder
// so the caller does not block; the real reply still reaches
// Complete/Fail, it just has no waiter from that joiner to observe it.
// For a leader with noWait=true, the returned future is still a real
// waiter (appended under the same lock that creates the entry, so it
// cannot race a fast reply): the coordinator uses it for its background
// persistence continuation, not for the synchronous response, which it
// builds locally instead of reading the future. Only a noWait *joiner*
// gets a pre-resolved "accepted" placeholder, since the leader's
// continuation already owns persistence for that fingerprint.
func (r *Registry) BeginOrJoin(fp model.Fingerprint, correlationID string, noWait bool) (leader bool, future Future) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fingerprintKey(fp)
	p, exists := r.byFingerprint[key]
	if exists {
		ch := make(chan Result, 1)
		if noWait {
			ch <- Result{Reply: model.RenderReply{CorrelationID: p.correlationID, OK: true}}
			close(ch)
		} else {
			p.waiters = append(p.waiters, ch)
		}
		return false, ch
	}

	p = &pending{correlationID: correlationID, publishedAt: time.Now()}
	r.byFingerprint[key] = p
	r.byCorrelation[correlationID] = key

	ch := make(chan Result, 1)
	p.waiters = append(p.waiters, ch)
	return true, ch
}

// Complete resolves every waiter for correlationID with reply and
// purges the entry, per §4.4's complete(correlationId, reply).
func (r *Registry) Complete(correlationID string, reply model.RenderReply) {
	r.finish(correlationID, Result{Reply: reply})
}

// Fail rejects every waiter for correlationID with reason.
func (r *Registry) Fail(correlationID string, reason error) {
	r.finish(correlationID, Result{Err: reason})
}

func (r *Registry) finish(correlationID string, res Result) {
	r.mu.Lock()
	key, ok := r.byCorrelation[correlationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	p := r.byFingerprint[key]
	delete(r.byFingerprint, key)
	delete(r.byCorrelation, correlationID)
	r.mu.Unlock()

	if p == nil {
		return
	}
	for _, w := range p.waiters {
		w <- res
		close(w)
	}
}

// SweepExpired fails every in-flight entry whose publishedAt predates
// now-workerTimeout with SERVER_WORKER_TIMEOUT, per §4.4/§7.
func (r *Registry) SweepExpired(now time.Time, workerTimeout time.Duration) {
	r.mu.Lock()
	var expired []string
	for _, p := range r.byFingerprint {
		if now.Sub(p.publishedAt) > workerTimeout {
			expired = append(expired, p.correlationID)
		}
	}
	r.mu.Unlock()

	for _, correlationID := range expired {
		r.Fail(correlationID, model.NewError(model.ErrServerWorkerTimeout, "worker timeout"))
	}
}

// Await blocks on future until it resolves or ctx is done, mirroring
// step 7 of the render coordinator's algorithm (await bounded by
// workerTimeout).
func Await(ctx context.Context, future Future) (model.RenderReply, error) {
	select {
	case res, ok := <-future:
		if !ok {
			return model.RenderReply{}, fmt.Errorf("registry: future closed without a result")
		}
		return res.Reply, res.Err
	case <-ctx.Done():
		return model.RenderReply{}, ctx.Err()
	}
}

// Len reports the number of in-flight fingerprints, used by tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFingerprint)
}
