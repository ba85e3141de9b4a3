package ingest

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/manager"
)

// Ingester consumes single events. *manager.Manager implements it.
type Ingester interface {
	Ingest(ctx context.Context, raw event.RawEvent) (manager.IngestResult, error)
}

// EventError reports one event the batch could not process.
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Invalid bool   `json:"invalid"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

// BatchResult summarizes a processed batch.
type BatchResult struct {
	Accepted   int          `json:"accepted"`
	Dropped    int          `json:"dropped"`
	Duplicates int          `json:"duplicates"`
	Invalid    int          `json:"invalid"`
	Updates    int          `json:"updates"`
	Failed     int          `json:"failed"`
	Errors     []EventError `json:"errors,omitempty"`
}

// Service feeds batches to an Ingester. Events of one learner in one course
// are ingested sequentially in batch order; different learners run
// concurrently.
type Service struct {
	ingester    Ingester
	concurrency int
}

// NewService creates a batch service. concurrency bounds the learners
// processed in parallel; values below one mean one.
func NewService(ingester Ingester, concurrency int) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{ingester: ingester, concurrency: concurrency}
}

type outcome struct {
	index  int
	id     string
	result manager.IngestResult
	err    error
}

// IngestBatch processes every event. Per-event failures are collected in
// the result and never abort the batch.
func (s *Service) IngestBatch(ctx context.Context, events []event.RawEvent) BatchResult {
	start := time.Now()
	type learner struct{ user, course string }
	groups := make(map[learner][]int)
	var order []learner
	for i, e := range events {
		k := learner{e.UserID, e.CourseID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	outcomes := make([]outcome, len(events))
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, k := range order {
		indices := groups[k]
		g.Go(func() error {
			for _, i := range indices {
				res, err := s.ingester.Ingest(ctx, events[i])
				outcomes[i] = outcome{index: i, id: events[i].ID, result: res, err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out BatchResult
	for _, o := range outcomes {
		if o.err != nil {
			invalid := errdefs.IsValidation(o.err)
			if invalid {
				out.Invalid++
			} else {
				out.Failed++
			}
			id := o.id
			if id == "" {
				id = o.result.EventID
			}
			out.Errors = append(out.Errors, EventError{
				Index:   o.index,
				EventID: id,
				Invalid: invalid,
				Err:     o.err,
				Message: o.err.Error(),
			})
			continue
		}
		switch {
		case o.result.DropReason == manager.DropDuplicate:
			out.Duplicates++
		case !o.result.Accepted:
			out.Dropped++
		default:
			out.Accepted++
		}
		if o.result.Update != nil {
			out.Updates++
		}
	}
	metricsRecorder().RecordBatch(len(events), time.Since(start))
	return out
}

// Err joins the per-event errors of the batch.
func (r BatchResult) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e.Err)
	}
	return errors.Join(errs...)
}
