package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
)

// subscription is the live side of a handle: an ordered queue drained by
// one goroutine.
type subscription struct {
	cfg      *config
	logger   *slog.Logger
	registry *Registry
	epoch    string

	lk        sync.Mutex
	handle    Handle
	handler   Handler
	pending   []Message
	delivered uint64

	signal chan struct{}
	// parent is handed to handlers, it only ends when the provider closes
	// so a handler may still unsubscribe itself.
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscription(parent context.Context, cfg *config, registry *Registry, handle Handle, h Handler, epoch string, delivered uint64) *subscription {
	ctx, cancel := context.WithCancel(parent)
	return &subscription{
		cfg:       cfg,
		logger:    cfg.logger().With("handle_id", handle.ID, "topic", handle.Topic.String()),
		registry:  registry,
		epoch:     epoch,
		handle:    handle,
		handler:   h,
		delivered: delivered,
		signal:    make(chan struct{}, 1),
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *subscription) push(msgs ...Message) {
	s.lk.Lock()
	s.pending = append(s.pending, msgs...)
	s.lk.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) swap(h Handler) {
	s.lk.Lock()
	s.handler = h
	s.lk.Unlock()
}

func (s *subscription) stop() {
	s.cancel()
}

func (s *subscription) wait() {
	<-s.done
}

func (s *subscription) next() (Message, Handler, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for len(s.pending) > 0 {
		msg := s.pending[0]
		s.pending[0] = Message{}
		s.pending = s.pending[1:]
		if msg.Seq <= s.delivered {
			continue
		}
		return msg, s.handler, true
	}
	return Message{}, nil, false
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		msg, h, ok := s.next()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		s.deliver(msg, h)
	}
}

func (s *subscription) deliver(msg Message, h Handler) {
	labels := append([]metrics.Label{{Name: "namespace", Value: msg.Topic.Namespace}}, s.cfg.metricLabels...)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			s.cfg.sink().IncrCounterWithLabels(MetricRedeliveredCount, 1, labels)
		}
		return h(s.parent, msg)
	}, backoff.WithContext(s.cfg.redelivery(), s.ctx))

	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.cfg.sink().IncrCounterWithLabels(MetricDroppedCount, 1, labels)
		s.logger.Warn("dropping message after redeliveries", "seq", msg.Seq, "attempts", attempt, "error", err)
	} else {
		s.cfg.sink().IncrCounterWithLabels(MetricDeliveredCount, 1, labels)
	}

	s.lk.Lock()
	s.delivered = msg.Seq
	handle := s.handle
	s.lk.Unlock()

	if err := s.registry.Ack(s.ctx, handle, s.epoch, msg.Seq); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("could not persist acknowledgement", "seq", msg.Seq, "error", err)
	}
}
