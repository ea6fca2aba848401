package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fenivana/kasha/internal/model"
)

func testFingerprint() model.Fingerprint {
	return model.Fingerprint{Site: "ex.com", Path: "/a", DeviceType: model.DeviceDesktop, Type: model.RenderHTML}
}

func TestBeginOrJoin_FirstCallerIsLeader(t *testing.T) {
	r := New()
	leader, _ := r.BeginOrJoin(testFingerprint(), "c1", false)
	if !leader {
		t.Error("expected first caller to be leader")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 in-flight fingerprint, got %d", r.Len())
	}
}

func TestBeginOrJoin_SecondCallerJoins(t *testing.T) {
	r := New()
	fp := testFingerprint()
	r.BeginOrJoin(fp, "c1", false)
	leader, _ := r.BeginOrJoin(fp, "c2", false)
	if leader {
		t.Error("expected second caller for the same fingerprint to not be leader")
	}
	if r.Len() != 1 {
		t.Errorf("expected fingerprint to still be tracked once, got %d entries", r.Len())
	}
}

func TestComplete_ResolvesAllWaiters(t *testing.T) {
	r := New()
	fp := testFingerprint()

	_, f1 := r.BeginOrJoin(fp, "c1", false)
	_, f2 := r.BeginOrJoin(fp, "c1", false)

	reply := model.RenderReply{CorrelationID: "c1", OK: true}
	r.Complete("c1", reply)

	ctx := context.Background()
	got1, err1 := Await(ctx, f1)
	got2, err2 := Await(ctx, f2)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if got1.CorrelationID != "c1" || got2.CorrelationID != "c1" {
		t.Error("both waiters should observe the same reply")
	}
	if r.Len() != 0 {
		t.Errorf("expected registry to purge after completion, got %d entries", r.Len())
	}
}

func TestFail_RejectsWaiters(t *testing.T) {
	r := New()
	fp := testFingerprint()
	_, f := r.BeginOrJoin(fp, "c1", false)

	r.Fail("c1", model.NewError(model.ErrServerWorkerTimeout, "timed out"))

	_, err := Await(context.Background(), f)
	if err == nil {
		t.Fatal("expected an error from Fail")
	}
	var gwErr *model.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != model.ErrServerWorkerTimeout {
		t.Errorf("expected SERVER_WORKER_TIMEOUT, got %v", err)
	}
}

func TestBeginOrJoin_NoWaitResolvesImmediately(t *testing.T) {
	r := New()
	fp := testFingerprint()
	leader, leaderFuture := r.BeginOrJoin(fp, "c1", true)
	if !leader {
		t.Fatal("expected leader for first caller")
	}

	// The leader's own future is a real waiter, reserved for its
	// background persistence continuation, not pre-resolved.
	select {
	case <-leaderFuture:
		t.Fatal("expected leader's future to remain open until Complete")
	default:
	}

	// A concurrent joiner for the same fingerprint gets an immediate
	// accepted placeholder instead of blocking.
	joinerLeader, joinerFuture := r.BeginOrJoin(fp, "c1", true)
	if joinerLeader {
		t.Fatal("expected joiner to not be leader")
	}
	reply, err := Await(context.Background(), joinerFuture)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.OK {
		t.Error("expected joiner's noWait future to resolve to an accepted placeholder")
	}

	r.Complete("c1", model.RenderReply{CorrelationID: "c1", OK: true})
	leaderReply, err := Await(context.Background(), leaderFuture)
	if err != nil {
		t.Fatalf("unexpected error awaiting leader future: %v", err)
	}
	if !leaderReply.OK {
		t.Error("expected leader's future to observe the real reply")
	}
}

func TestSweepExpired_FailsStaleEntries(t *testing.T) {
	r := New()
	fp := testFingerprint()
	_, f := r.BeginOrJoin(fp, "c1", false)

	r.SweepExpired(time.Now().Add(time.Hour), 30*time.Second)

	_, err := Await(context.Background(), f)
	if err == nil {
		t.Fatal("expected sweep to fail the stale entry")
	}
	if r.Len() != 0 {
		t.Errorf("expected registry to be empty after sweep, got %d", r.Len())
	}
}

func TestSweepExpired_LeavesFreshEntries(t *testing.T) {
	r := New()
	fp := testFingerprint()
	r.BeginOrJoin(fp, "c1", false)

	r.SweepExpired(time.Now(), 30*time.Second)

	if r.Len() != 1 {
		t.Errorf("expected fresh entry to survive sweep, got %d entries", r.Len())
	}
}

func TestBeginOrJoin_ConcurrentOnlyOneLeader(t *testing.T) {
	r := New()
	fp := testFingerprint()

	const n = 50
	var wg sync.WaitGroup
	leaders := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			leader, _ := r.BeginOrJoin(fp, "shared", false)
			leaders[i] = leader
		}(i)
	}
	wg.Wait()

	count := 0
	for _, l := range leaders {
		if l {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 leader across %d concurrent callers, got %d", n, count)
	}
}
