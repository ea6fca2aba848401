// Package bus implements the WorkerBus: the message-bus boundary
// between the gateway and the headless-browser render workers (§4.3).
// Jobs are published on a single outbound subject; each gateway process
// listens on a process-scoped reply subject carried in the job itself,
// so a worker's reply routes back to the gateway that dispatched it
// without a broker-side registry.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fenivana/kasha/internal/model"
)

// JobSubject is the subject render jobs are published on. Workers
// subscribe to this subject as a queue group so each job is delivered
// to exactly one worker.
const JobSubject = "render_jobs"

// QueueGroup is the NATS queue group workers share, giving work-queue
// (not fan-out) delivery semantics across worker replicas.
const QueueGroup = "kasha-workers"

// ReplySubjectPrefix namespaces each gateway process's private reply
// subject, e.g. "render_reply.<processID>".
const ReplySubjectPrefix = "render_reply."

// ReplyHandler is invoked for every reply this process receives.
type ReplyHandler func(model.RenderReply)

// Bus is a thin wrapper over a pair of core NATS connections, grounded
// on the pack's JetStream EventBus wrapper but narrowed to core
// pub/sub: render jobs do not need durability past process restart,
// since a restarted gateway's in-flight registry is empty anyway
// (§4.4). Publish and reply-subscribe run over separate connections
// (writer/reader) per §4.3's "bus connections are pooled (one writer,
// one reader)", so a slow consumer on the reply path can't back-pressure
// job dispatch and vice versa.
type Bus struct {
	writer    *nats.Conn
	reader    *nats.Conn
	processID string
	replySubj string
	mu        sync.RWMutex
	handler   ReplyHandler
	sub       *nats.Subscription
}

// Config configures a Bus's pair of connections.
type Config struct {
	WriterURL string
	ReaderURL string
	ProcessID string
	Name      string
}

// Connect dials the writer and reader NATS connections and subscribes
// the reader to this process's reply subject. The returned Bus must
// have SetReplyHandler called before replies can be processed; until
// then, replies are silently dropped (matching the fluxor EventBus's
// logger-only handling of an unset handler).
func Connect(cfg Config) (*Bus, error) {
	if cfg.WriterURL == "" {
		cfg.WriterURL = nats.DefaultURL
	}
	if cfg.ReaderURL == "" {
		cfg.ReaderURL = cfg.WriterURL
	}
	if cfg.ProcessID == "" {
		return nil, fmt.Errorf("bus: ProcessID is required")
	}

	dial := func(url, suffix string) (*nats.Conn, error) {
		return nats.Connect(url, func(o *nats.Options) error {
			if cfg.Name != "" {
				o.Name = cfg.Name + suffix
			}
			o.MaxReconnect = -1
			o.ReconnectWait = time.Second
			return nil
		})
	}

	writer, err := dial(cfg.WriterURL, "-writer")
	if err != nil {
		return nil, fmt.Errorf("bus: connecting writer to %s: %w", cfg.WriterURL, err)
	}

	reader, err := dial(cfg.ReaderURL, "-reader")
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("bus: connecting reader to %s: %w", cfg.ReaderURL, err)
	}

	b := &Bus{
		writer:    writer,
		reader:    reader,
		processID: cfg.ProcessID,
		replySubj: ReplySubjectPrefix + cfg.ProcessID,
	}

	sub, err := reader.Subscribe(b.replySubj, b.onMessage)
	if err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("bus: subscribing to %s: %w", b.replySubj, err)
	}
	b.sub = sub

	return b, nil
}

// ReplySubject is the subject a RenderJob should carry so workers reply
// to this process.
func (b *Bus) ReplySubject() string { return b.replySubj }

// SetReplyHandler installs the callback invoked for every RenderReply
// this process receives. Safe to call at any time; replies delivered
// before a handler is set are dropped.
func (b *Bus) SetReplyHandler(h ReplyHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Bus) onMessage(msg *nats.Msg) {
	var reply model.RenderReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return
	}

	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h != nil {
		h(reply)
	}
}

// Publish dispatches a render job to the worker pool. job.ReplyTopic is
// set to this Bus's reply subject before marshaling, so callers need
// not set it themselves.
func (b *Bus) Publish(ctx context.Context, job model.RenderJob) error {
	job.ReplyTopic = b.replySubj

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("bus: marshaling render job %s: %w", job.CorrelationID, err)
	}

	if err := b.writer.Publish(JobSubject, data); err != nil {
		return fmt.Errorf("bus: publishing render job %s: %w", job.CorrelationID, err)
	}
	return nil
}

// Close unsubscribes from the reply subject and closes both connections.
func (b *Bus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.reader.Close()
	b.writer.Close()
	return nil
}
