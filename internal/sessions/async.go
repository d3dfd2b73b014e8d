package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fablecraft/fablecraft/internal/observability"
	"github.com/fablecraft/fablecraft/pkg/models"
)

// ErrPersisterClosed is returned when a write is enqueued after Close.
var ErrPersisterClosed = errors.New("sessions: persister closed")

const defaultQueueSize = 256

// persistOp is one queued write. Exactly one of conv/msg is set; an op
// with neither is a flush marker and only closes ack.
type persistOp struct {
	conv *models.Conversation
	msg  *models.Message
	ack  chan struct{}
}

// AsyncPersister applies writes to a Store from a background worker so
// the streaming path never blocks on the database. Writes are applied
// in enqueue order; failures are logged and counted, not retried.
type AsyncPersister struct {
	store   Store
	log     *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration

	queue chan persistOp
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// AsyncOptions configures an AsyncPersister. Zero values get defaults.
type AsyncOptions struct {
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	QueueSize    int
	WriteTimeout time.Duration
}

// NewAsyncPersister starts the write-behind worker for store.
func NewAsyncPersister(store Store, opts AsyncOptions) *AsyncPersister {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	p := &AsyncPersister{
		store:   store,
		log:     opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.WriteTimeout,
		queue:   make(chan persistOp, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// SaveConversation enqueues a conversation upsert.
func (p *AsyncPersister) SaveConversation(_ context.Context, conv *models.Conversation) error {
	clone := *conv
	return p.enqueue(persistOp{conv: &clone})
}

// SaveMessage enqueues a message upsert.
func (p *AsyncPersister) SaveMessage(_ context.Context, msg *models.Message) error {
	return p.enqueue(persistOp{msg: msg.Clone()})
}

func (p *AsyncPersister) enqueue(op persistOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPersisterClosed
	}
	// Blocks when the queue is full rather than dropping writes.
	p.queue <- op
	return nil
}

func (p *AsyncPersister) run() {
	defer close(p.done)
	for op := range p.queue {
		p.apply(op)
	}
}

func (p *AsyncPersister) apply(op persistOp) {
	if op.ack != nil {
		defer close(op.ack)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var (
		kind string
		err  error
	)
	switch {
	case op.conv != nil:
		kind = "conversation"
		err = p.store.SaveConversation(ctx, op.conv)
	case op.msg != nil:
		kind = string(op.msg.Role)
		err = p.store.SaveMessage(ctx, op.msg)
	default:
		return
	}

	if err != nil {
		p.metrics.PersistWriteCounter.WithLabelValues(kind, "error").Inc()
		p.log.Error(ctx, "persist write failed", "kind", kind, "error", err)
		return
	}
	p.metrics.PersistWriteCounter.WithLabelValues(kind, "success").Inc()
}

// Flush blocks until every write enqueued before the call is applied.
func (p *AsyncPersister) Flush() {
	ack := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	// The worker applies ops in order, so closing this marker means
	// everything enqueued earlier has been applied.
	p.queue <- persistOp{ack: ack}
	p.mu.Unlock()
	<-ack
}

// Close stops accepting writes, drains the queue, and closes the store.
func (p *AsyncPersister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.store.Close()
}
