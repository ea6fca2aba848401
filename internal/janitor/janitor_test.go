package janitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/integration/mtest"
)

type fakeExpirer struct {
	calls  atomic.Int32
	before time.Time
	n      int64
}

func (f *fakeExpirer) ExpireBefore(ctx context.Context, before time.Time) (int64, error) {
	f.calls.Add(1)
	f.before = before
	return f.n, nil
}

func TestAcquireLease_FreshLeaseSucceeds(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("fresh", func(mt *mtest.T) {
		j := New(Config{LeaseColl: mt.Coll, OwnerID: "gw-1", Interval: time.Minute})

		// No document existed before the upsert: the driver reports
		// this as a nil "value" field, decoded as ErrNoDocuments.
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}))

		acquired, err := j.acquireLease(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !acquired {
			t.Error("expected a fresh lease acquisition to succeed")
		}
	})
}

func TestTick_SweepsWhenLeaseAcquired(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("tick", func(mt *mtest.T) {
		expirer := &fakeExpirer{n: 5}
		j := New(Config{
			Store:       expirer,
			LeaseColl:   mt.Coll,
			OwnerID:     "gw-1",
			Interval:    time.Minute,
			RemoveAfter: 24 * time.Hour,
		})

		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: bson.D{{Key: "_id", Value: leaseDocID}, {Key: "ownerId", Value: "gw-1"}}},
		))

		j.tick(context.Background())

		if expirer.calls.Load() != 1 {
			t.Errorf("expected 1 ExpireBefore call, got %d", expirer.calls.Load())
		}
	})
}

func TestTick_SkipsSweepWhenLeaseNotAcquired(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("skip", func(mt *mtest.T) {
		expirer := &fakeExpirer{}
		j := New(Config{
			Store:       expirer,
			LeaseColl:   mt.Coll,
			OwnerID:     "gw-2",
			Interval:    time.Minute,
			RemoveAfter: 24 * time.Hour,
		})

		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0,
			Code:  11000,
			Message: "E11000 duplicate key error",
		}))

		j.tick(context.Background())

		if expirer.calls.Load() != 0 {
			t.Errorf("expected no ExpireBefore call when lease is held elsewhere, got %d", expirer.calls.Load())
		}
	})
}
