// Package janitor implements the cache-janitor: a periodic sweep that
// expires snapshots older than the configured retention window,
// running on a single leader across gateway processes via a lease
// document in the store (§4.7).
package janitor

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const leaseDocID = "_janitor_lease"

// Expirer is the subset of *snapshot.Store the janitor depends on.
type Expirer interface {
	ExpireBefore(ctx context.Context, before time.Time) (int64, error)
}

// Janitor runs ExpireBefore on Interval, contending for a lease so only
// one process among several sweeps at a time.
type Janitor struct {
	store       Expirer
	lease       *mongo.Collection
	ownerID     string
	interval    time.Duration
	removeAfter time.Duration
	leaseTTL    time.Duration
	logger      *slog.Logger
}

// Config configures a Janitor.
type Config struct {
	Store       Expirer
	LeaseColl   *mongo.Collection
	OwnerID     string
	Interval    time.Duration
	RemoveAfter time.Duration
	Logger      *slog.Logger
}

// New constructs a Janitor. The lease TTL is 2x Interval, giving a
// crashed leader's lease time to expire before another process takes
// over.
func New(cfg Config) *Janitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		store:       cfg.Store,
		lease:       cfg.LeaseColl,
		ownerID:     cfg.OwnerID,
		interval:    cfg.Interval,
		removeAfter: cfg.RemoveAfter,
		leaseTTL:    2 * cfg.Interval,
		logger:      cfg.Logger,
	}
}

// Run blocks, sweeping every Interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	acquired, err := j.acquireLease(ctx)
	if err != nil {
		j.logger.Warn("janitor: acquiring lease failed", "error", err)
		return
	}
	if !acquired {
		return
	}

	cutoff := time.Now().Add(-j.removeAfter)
	n, err := j.store.ExpireBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("janitor: sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("janitor: swept expired snapshots", "count", n, "cutoff", cutoff)
	}
}

// acquireLease performs a conditional upsert: it succeeds if no lease
// exists, the lease is held by this owner, or the held lease has
// expired. This is the single-leader mechanism §4.7 requires, grounded
// on the same find-and-modify idiom the snapshot store uses for
// upserts, applied here to mutual exclusion instead of data writes.
func (j *Janitor) acquireLease(ctx context.Context) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": leaseDocID,
		"$or": bson.A{
			bson.M{"ownerId": bson.M{"$exists": false}},
			bson.M{"ownerId": j.ownerID},
			bson.M{"expiresAt": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"ownerId": j.ownerID, "expiresAt": now.Add(j.leaseTTL)},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true)

	err := j.lease.FindOneAndUpdate(ctx, filter, update, opts).Err()
	if err == nil {
		// Filter matched an existing lease document we're allowed to
		// take over (ours, or expired): acquired.
		return true, nil
	}
	if err == mongo.ErrNoDocuments {
		// No lease document existed yet, so the upsert inserted one;
		// the driver reports ErrNoDocuments because there was no
		// "before" image to return. We now hold the lease.
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		// The filter didn't match (another owner's unexpired lease),
		// so the upsert's insert attempt collided on _id: not ours.
		return false, nil
	}
	return false, err
}
