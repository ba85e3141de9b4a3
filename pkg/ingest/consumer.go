package ingest

import (
	"context"
	"fmt"
	"sync"
)

type consumerLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Transport labels metrics, e.g. "memory" or "redis".
	Transport string
	Subject   string
	Buffer    int
	// DedupeWindow is the number of recent envelope ids remembered to
	// suppress redeliveries.
	DedupeWindow int
}

// Consumer reads envelopes from a transport and hands their events to a
// Service.
type Consumer struct {
	transport Transport
	service   *Service
	cfg       ConsumerConfig
	logger    consumerLogger

	seen *recentSet
}

// NewConsumer creates a consumer. A nil logger discards output.
func NewConsumer(transport Transport, service *Service, cfg ConsumerConfig, logger consumerLogger) (*Consumer, error) {
	if transport == nil {
		return nil, fmt.Errorf("ingest: transport cannot be nil")
	}
	if service == nil {
		return nil, fmt.Errorf("ingest: service cannot be nil")
	}
	if cfg.Subject == "" {
		cfg.Subject = AllCoursesSubject()
	}
	if cfg.Transport == "" {
		cfg.Transport = "memory"
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 4096
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Consumer{
		transport: transport,
		service:   service,
		cfg:       cfg,
		logger:    logger,
		seen:      newRecentSet(cfg.DedupeWindow),
	}, nil
}

// Run subscribes and processes envelopes until ctx is done or the
// subscription closes. Envelopes are handled one at a time in delivery
// order.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.transport.Subscribe(ctx, c.cfg.Subject, c.cfg.Buffer)
	if err != nil {
		return err
	}
	defer sub.Close()
	c.logger.Info("event consumer started", "transport", c.cfg.Transport, "subject", c.cfg.Subject)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event consumer stopped", "transport", c.cfg.Transport)
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("ingest: subscription %s closed", c.cfg.Subject)
			}
			c.Handle(ctx, msg.Payload)
		}
	}
}

// Handle processes one encoded envelope and reports its batch result. The
// boolean is false when the envelope was rejected or already seen.
func (c *Consumer) Handle(ctx context.Context, payload []byte) (BatchResult, bool) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		metricsRecorder().RecordEnvelope(c.cfg.Transport, "rejected")
		c.logger.Warn("rejecting envelope", "transport", c.cfg.Transport, "error", err)
		return BatchResult{}, false
	}
	if !c.seen.add(env.EnvelopeID) {
		metricsRecorder().RecordEnvelope(c.cfg.Transport, "duplicate")
		c.logger.Debug("ignoring redelivered envelope", "envelope_id", env.EnvelopeID)
		return BatchResult{}, false
	}

	res := c.service.IngestBatch(ctx, env.Events)
	metricsRecorder().RecordEnvelope(c.cfg.Transport, "processed")
	c.logger.Debug("envelope processed",
		"envelope_id", env.EnvelopeID,
		"source", env.Source,
		"course_id", env.CourseID,
		"accepted", res.Accepted,
		"updates", res.Updates,
	)
	for _, e := range res.Errors {
		c.logger.Warn("event not processed",
			"envelope_id", env.EnvelopeID,
			"event_id", e.EventID,
			"invalid", e.Invalid,
			"error", e.Message,
		)
	}
	return res, true
}

// recentSet remembers the last n ids in insertion order.
type recentSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{ids: make(map[string]struct{}, limit), ring: make([]string, limit), limit: limit}
}

// add reports whether id was not yet present.
func (s *recentSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % s.limit
	return true
}
