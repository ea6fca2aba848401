// Package snapshot implements the persistent mapping from
// (site, path, deviceType, type) to a rendered Snapshot (§4.2).
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fenivana/kasha/internal/model"
)

// ErrNotFound is returned by Get when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot: not found")

// Store wraps the snapshot collection. Connection pooling is
// configured on the *mongo.Client the caller constructs (cmd/kashad
// sets its max pool size from store.poolSize, §6).
type Store struct {
	collection *mongo.Collection
}

// New wraps an existing collection, expected to carry the indices
// described in §6: unique (site,path,deviceType,type), and
// (site,path) / updatedAt for scans and the janitor.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the indices §6 requires. Safe to call
// repeatedly; MongoDB treats re-creation of an identical index as a
// no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key.site", Value: 1}, {Key: "key.path", Value: 1}, {Key: "key.deviceType", Value: 1}, {Key: "key.type", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "key.site", Value: 1}, {Key: "key.path", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "times.updatedAt", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("ensuring snapshot indexes: %w", err)
	}
	return nil
}

func keyFilter(key model.SnapshotKey) bson.M {
	return bson.M{
		"key.site":       key.Site,
		"key.path":       key.Path,
		"key.deviceType": key.DeviceType,
		"key.type":       key.Type,
	}
}

// Get fetches a snapshot by key, per §4.2. LastAccessedAt is updated
// in a best-effort, fire-and-forget write, matching the spec's
// "may be lazy/batched" allowance rather than blocking the caller on a
// second round trip.
func (s *Store) Get(ctx context.Context, key model.SnapshotKey) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := s.collection.FindOne(ctx, keyFilter(key)).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting snapshot %+v: %w", key, err)
	}

	go s.touchAccessed(key)

	return &snap, nil
}

func (s *Store) touchAccessed(key model.SnapshotKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.collection.UpdateOne(ctx, keyFilter(key), bson.M{
		"$set": bson.M{"times.lastAccessedAt": time.Now()},
	})
}

// Put upserts a snapshot with atomic replacement, per §4.2. updatedAt
// is always set to now; renderedAt is preserved from snap as passed by
// the caller (the coordinator is responsible for deciding, on a failed
// background refresh, whether to carry the old renderedAt forward).
func (s *Store) Put(ctx context.Context, snap *model.Snapshot) error {
	snap.Times.UpdatedAt = time.Now()

	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, keyFilter(snap.Key), snap, opts)
	if err != nil {
		return fmt.Errorf("putting snapshot %+v: %w", snap.Key, err)
	}
	return nil
}

// Invalidate deletes the snapshot at key, the cache-invalidation write
// path §1 allows.
func (s *Store) Invalidate(ctx context.Context, key model.SnapshotKey) error {
	_, err := s.collection.DeleteOne(ctx, keyFilter(key))
	if err != nil {
		return fmt.Errorf("invalidating snapshot %+v: %w", key, err)
	}
	return nil
}

// ExpireBefore removes snapshots whose updatedAt predates t, used by
// the janitor (§4.7). It returns the number of deleted documents.
func (s *Store) ExpireBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"times.updatedAt": bson.M{"$lt": t}})
	if err != nil {
		return 0, fmt.Errorf("expiring snapshots before %s: %w", t, err)
	}
	return res.DeletedCount, nil
}

// Page is one page of a site scan, per §4.2/§4.6.
type Page struct {
	Snapshots  []model.Snapshot
	NextCursor string
}

// ScanBySite streams a page of snapshots for site, ordered by path,
// starting after cursor (the path of the last item from the previous
// page, or "" for the first page). Each returned item is
// self-consistent even though the whole scan is not a single
// linearizable read, per §4.2's consistency note.
func (s *Store) ScanBySite(ctx context.Context, site, cursor string, pageSize int64) (*Page, error) {
	filter := bson.M{"key.site": site}
	if cursor != "" {
		filter["key.path"] = bson.M{"$gt": cursor}
	}

	opts := options.Find().SetSort(bson.D{{Key: "key.path", Value: 1}}).SetLimit(pageSize)
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scanning site %s: %w", site, err)
	}
	defer cur.Close(ctx)

	var snaps []model.Snapshot
	if err := cur.All(ctx, &snaps); err != nil {
		return nil, fmt.Errorf("decoding scan results for site %s: %w", site, err)
	}

	next := ""
	if int64(len(snaps)) == pageSize && pageSize > 0 {
		next = snaps[len(snaps)-1].Key.Path
	}
	return &Page{Snapshots: snaps, NextCursor: next}, nil
}
