package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nextstep/nextstep/pkg/event"
	"github.com/nextstep/nextstep/pkg/ingest"
)

const maxEventLine = 1 << 20

// readEvents decodes one raw event per line. Blank lines and lines starting
// with '#' are skipped.
func readEvents(r io.Reader) ([]event.RawEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var events []event.RawEvent
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var e event.RawEvent
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type replaySummary struct {
	Events    int
	Envelopes int
	Result    *ingest.BatchResult
}

// replay feeds the events in path to the service. With the in-process
// transport the events are ingested directly and the final snapshots are
// written on close. With a shared transport they are published for the
// running consumers.
func (a *app) replay(ctx context.Context, path string) (replaySummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return replaySummary{}, err
	}
	defer f.Close()

	events, err := readEvents(f)
	if err != nil {
		return replaySummary{}, fmt.Errorf("read %s: %w", path, err)
	}
	summary := replaySummary{Events: len(events)}

	if a.redis == nil {
		res := a.service.IngestBatch(ctx, events)
		summary.Result = &res
		for _, e := range res.Errors {
			a.log.Warn("event not ingested", "index", e.Index, "event_id", e.EventID, "error", e.Message)
		}
		return summary, nil
	}

	envs, err := a.publisher.PublishEvents(ctx, events)
	summary.Envelopes = len(envs)
	if err != nil {
		return summary, fmt.Errorf("publish events: %w", err)
	}
	return summary, nil
}
