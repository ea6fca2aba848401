package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/integration/mtest"

	"github.com/fenivana/kasha/internal/model"
)

func TestStore_GetHit(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("get", func(mt *mtest.T) {
		store := New(mt.Coll)

		now := time.Now().Truncate(time.Millisecond)
		want := model.Snapshot{
			Key:    model.SnapshotKey{Site: "ex.com", Path: "/a", DeviceType: model.DeviceDesktop, Type: model.RenderHTML},
			Status: 200,
			Content: []byte("<h1>A</h1>"),
			Times:  model.SnapshotTimes{RenderedAt: now, UpdatedAt: now, LastAccessedAt: now},
		}

		data, err := bson.Marshal(want)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var doc bson.D
		if err := bson.Unmarshal(data, &doc); err != nil {
			t.Fatalf("unmarshal to bson.D: %v", err)
		}
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "test.snapshots", mtest.FirstBatch, doc))
		// Drain the fire-and-forget lastAccessedAt update issued by Get.
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		got, err := store.Get(context.Background(), want.Key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != 200 || string(got.Content) != "<h1>A</h1>" {
			t.Errorf("unexpected snapshot: %+v", got)
		}
	})
}

func TestStore_GetNotFound(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("miss", func(mt *mtest.T) {
		store := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.snapshots", mtest.FirstBatch))

		_, err := store.Get(context.Background(), model.SnapshotKey{Site: "ex.com", Path: "/missing"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_Put(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("put", func(mt *mtest.T) {
		store := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "x"}}}},
		))

		snap := &model.Snapshot{
			Key:            model.SnapshotKey{Site: "ex.com", Path: "/a", DeviceType: model.DeviceDesktop, Type: model.RenderHTML},
			Status:         200,
			PrivateExpires: time.Now().Add(180 * time.Second),
			SharedExpires:  time.Now().Add(86400 * time.Second),
		}
		if err := store.Put(context.Background(), snap); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.Times.UpdatedAt.IsZero() {
			t.Error("expected Put to set UpdatedAt")
		}
	})
}

func TestStore_ExpireBefore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("expire", func(mt *mtest.T) {
		store := New(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}))

		n, err := store.ExpireBefore(context.Background(), time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 deleted, got %d", n)
		}
	})
}
