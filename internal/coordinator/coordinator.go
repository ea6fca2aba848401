// Package coordinator implements the render coordinator: the freshness
// state machine that decides, for each request, whether to serve a
// cached snapshot, serve it while refreshing in the background, or wait
// on a worker render (§4.5).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fenivana/kasha/internal/bus"
	"github.com/fenivana/kasha/internal/model"
	"github.com/fenivana/kasha/internal/registry"
	"github.com/fenivana/kasha/internal/siteconfig"
	"github.com/fenivana/kasha/internal/sitemap"
	"github.com/fenivana/kasha/internal/snapshot"
)

// CacheState is the value surfaced as a response header/annotation,
// naming which branch of the freshness algorithm produced a result.
type CacheState string

const (
	CacheFresh             CacheState = "fresh"
	CacheStaleRevalidating CacheState = "stale-revalidating"
	CacheUpdated           CacheState = "updated"
	CacheUpdating          CacheState = "updating"
)

// Request is the normalized input to Render, per §4.5.
type Request struct {
	Site        string
	Path        string
	DeviceType  model.DeviceType
	Type        model.RenderType
	CallbackURL string
	NoWait      bool
	Refresh     bool
	MetaOnly    bool
}

// Response is what Render returns to the HTTP front.
type Response struct {
	Snapshot *model.Snapshot
	State    CacheState
	Status   int
}

// Store is the subset of *snapshot.Store the coordinator depends on.
type Store interface {
	Get(ctx context.Context, key model.SnapshotKey) (*model.Snapshot, error)
	Put(ctx context.Context, snap *model.Snapshot) error
}

// WorkerBus is the subset of *bus.Bus the coordinator depends on.
type WorkerBus interface {
	Publish(ctx context.Context, job model.RenderJob) error
}

// SiteConfigResolver is the subset of *siteconfig.Resolver the
// coordinator depends on to gate render traffic by robots policy
// before dispatch (§4.1, §7 SERVER_ROBOTS_DISALLOW).
type SiteConfigResolver interface {
	Resolve(ctx context.Context, host string) (*model.SiteConfig, error)
}

var _ Store = (*snapshot.Store)(nil)
var _ WorkerBus = (*bus.Bus)(nil)
var _ SiteConfigResolver = (*siteconfig.Resolver)(nil)

// Coordinator implements the 8-step algorithm of §4.5.
type Coordinator struct {
	store         Store
	workerBus     WorkerBus
	registry      *registry.Registry
	resolver      SiteConfigResolver
	workerTimeout time.Duration
	callback      *CallbackSender
	logger        *slog.Logger
}

// Config configures a Coordinator.
type Config struct {
	Store         Store
	WorkerBus     WorkerBus
	Registry      *registry.Registry
	Resolver      SiteConfigResolver
	WorkerTimeout time.Duration
	Callback      *CallbackSender
	Logger        *slog.Logger
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		store:         cfg.Store,
		workerBus:     cfg.WorkerBus,
		registry:      cfg.Registry,
		resolver:      cfg.Resolver,
		workerTimeout: cfg.WorkerTimeout,
		callback:      cfg.Callback,
		logger:        cfg.Logger,
	}
}

// Render runs the freshness state machine for one request. Before any
// cache lookup or dispatch, it resolves req.Site's SiteConfig and
// short-circuits with SERVER_ROBOTS_DISALLOW when the resolved robots
// policy disallows req.Path, per §4.1/§7.
func (c *Coordinator) Render(ctx context.Context, req Request) (*Response, error) {
	if err := c.enforcePolicy(ctx, req); err != nil {
		return nil, err
	}

	key := model.SnapshotKey{Site: req.Site, Path: req.Path, DeviceType: req.DeviceType, Type: req.Type}

	if !req.Refresh {
		snap, err := c.store.Get(ctx, key)
		if err != nil && err != snapshot.ErrNotFound {
			return nil, fmt.Errorf("coordinator: looking up %+v: %w", key, err)
		}
		if snap != nil {
			now := time.Now()
			if !now.After(snap.PrivateExpires) {
				return &Response{Snapshot: snap, State: CacheFresh, Status: snap.Status}, nil
			}
			if !now.After(snap.SharedExpires) {
				go c.backgroundRefresh(req, key)
				return &Response{Snapshot: snap, State: CacheStaleRevalidating, Status: snap.Status}, nil
			}
			// Falls through: stale beyond sharedExpires, must wait.
		}
	}

	return c.dispatch(ctx, req, key)
}

// enforcePolicy resolves req.Site's SiteConfig and rejects the request
// if its robots policy disallows req.Path. A resolver that reports
// ErrNotFound for an unconfigured host (disallowUnknownSite=false) is
// not an error here: the resolver itself already enforces
// disallowUnknownSite when it is enabled, surfacing that as a
// CLIENT_HOST_CONFIG_NOT_EXIST GatewayError, so any other error
// reaching this point is propagated as-is.
func (c *Coordinator) enforcePolicy(ctx context.Context, req Request) error {
	if c.resolver == nil {
		return nil
	}

	cfg, err := c.resolver.Resolve(ctx, req.Site)
	if err != nil {
		if errors.Is(err, siteconfig.ErrNotFound) {
			return nil
		}
		return err
	}

	if cfg.Robots != nil && !sitemap.IsIndexable(cfg.Robots, req.Path) {
		return model.NewError(model.ErrServerRobotsDisallow, "path disallowed by robots policy for "+req.Site)
	}
	return nil
}

func (c *Coordinator) backgroundRefresh(req Request, key model.SnapshotKey) {
	ctx, cancel := context.WithTimeout(context.Background(), c.workerTimeout+5*time.Second)
	defer cancel()

	if _, err := c.dispatch(ctx, req, key); err != nil {
		c.logger.Warn("background refresh failed", "site", req.Site, "path", req.Path, "error", err)
	}
}

// dispatch implements steps 4-8: fingerprint, beginOrJoin, publish,
// noWait short-circuit, await, persist, callback.
func (c *Coordinator) dispatch(ctx context.Context, req Request, key model.SnapshotKey) (*Response, error) {
	fp := model.Fingerprint{Site: req.Site, Path: req.Path, DeviceType: req.DeviceType, Type: req.Type, CallbackURL: req.CallbackURL}
	correlationID := uuid.NewString()

	leader, future := c.registry.BeginOrJoin(fp, correlationID, req.NoWait)

	if leader {
		job := model.RenderJob{
			CorrelationID: correlationID,
			URL:           "https://" + req.Site + req.Path,
			DeviceType:    req.DeviceType,
			Type:          req.Type,
			CallbackURL:   req.CallbackURL,
			MetaOnly:      req.MetaOnly,
		}
		if err := c.workerBus.Publish(ctx, job); err != nil {
			c.registry.Fail(correlationID, err)
			return nil, fmt.Errorf("coordinator: publishing render job: %w", err)
		}

		// noWait: future here is a real waiter reserved for the leader
		// (see Registry.BeginOrJoin) — the synchronous caller does not
		// read it, a background continuation does, to persist and
		// fire the callback once the real reply arrives.
		if req.NoWait {
			go c.awaitAndPersist(key, future, req.CallbackURL)
			return &Response{State: CacheUpdating, Status: 202}, nil
		}
	}

	if req.NoWait {
		return &Response{State: CacheUpdating, Status: 202}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.workerTimeout)
	defer cancel()

	reply, err := registry.Await(waitCtx, future)
	if err != nil {
		if gwErr, ok := err.(*model.GatewayError); ok {
			return nil, gwErr
		}
		return nil, model.NewError(model.ErrServerWorkerTimeout, "worker timeout")
	}
	if !reply.OK {
		if leader && req.CallbackURL != "" && c.callback != nil {
			c.callback.Send(req.CallbackURL, key, mapReplyError(reply))
		}
		return nil, mapReplyError(reply)
	}

	snap := reply.Snapshot
	if snap != nil {
		if err := c.store.Put(ctx, snap); err != nil {
			c.logger.Error("persisting snapshot", "site", req.Site, "path", req.Path, "error", err)
		}
	}
	if leader && req.CallbackURL != "" && c.callback != nil {
		c.callback.Send(req.CallbackURL, key, nil)
	}
	return &Response{Snapshot: snap, State: CacheUpdated, Status: statusOf(snap)}, nil
}

// awaitAndPersist is the background continuation used for noWait
// leaders: the caller already received an immediate 202 response, so
// this goroutine alone is responsible for persisting the eventual
// reply and firing the callback, per step 8.
func (c *Coordinator) awaitAndPersist(key model.SnapshotKey, future registry.Future, callbackURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.workerTimeout+5*time.Second)
	defer cancel()

	reply, err := registry.Await(ctx, future)

	var cbErr error
	if err == nil && reply.OK && reply.Snapshot != nil {
		if perr := c.store.Put(ctx, reply.Snapshot); perr != nil {
			c.logger.Error("persisting snapshot from background continuation", "key", key, "error", perr)
		}
	} else if err == nil && !reply.OK {
		cbErr = mapReplyError(reply)
	} else if err != nil {
		cbErr = err
	}

	if callbackURL != "" && c.callback != nil {
		c.callback.Send(callbackURL, key, cbErr)
	}
}

func mapReplyError(reply model.RenderReply) error {
	kind := model.ErrorKind(reply.ErrorKind)
	if kind == "" {
		kind = model.ErrServerRenderError
	}
	msg := reply.ErrorMessage
	if msg == "" {
		msg = "render failed"
	}
	return model.NewError(kind, msg)
}

func statusOf(snap *model.Snapshot) int {
	if snap == nil {
		return 500
	}
	return snap.Status
}
