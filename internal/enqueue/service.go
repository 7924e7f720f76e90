package enqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumera-app/beacon/internal/composer"
	"github.com/lumera-app/beacon/internal/domain"
	"github.com/lumera-app/beacon/internal/queue"
)

// Result summarizes one enqueue pass.
type Result struct {
	Queued  int64          `json:"queued"`
	Scanned map[string]int `json:"scanned"`
}

// Service runs the enqueue pass: scan every producer, render copy, insert
// idempotently.
type Service struct {
	producers []Producer
	queue     queue.Repository
}

// NewService creates an enqueue service.
func NewService(queueRepo queue.Repository, producers ...Producer) *Service {
	return &Service{
		producers: producers,
		queue:     queueRepo,
	}
}

// Run executes one enqueue pass at now. A failing producer aborts the pass;
// the dedupe keys make the retried pass safe.
func (s *Service) Run(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()

	scanned := make(map[string]int, len(s.producers))
	var entries []queue.Entry

	for _, producer := range s.producers {
		candidates, err := producer.Scan(ctx, now)
		if err != nil {
			recordScanError(producer.Name())
			return nil, fmt.Errorf("producer %s: %w", producer.Name(), err)
		}

		scanned[producer.Name()] = len(candidates)
		recordCandidates(producer.Name(), len(candidates))

		for _, candidate := range candidates {
			entries = append(entries, entryFor(candidate))
		}
	}

	var inserted int64
	if len(entries) > 0 {
		var err error
		inserted, err = s.queue.Enqueue(ctx, entries)
		if err != nil {
			return nil, fmt.Errorf("enqueue entries: %w", err)
		}
	}

	recordQueued(inserted)

	slog.Info("enqueue pass complete",
		"candidates", len(entries),
		"queued", inserted,
		"duration", time.Since(start),
	)

	return &Result{Queued: inserted, Scanned: scanned}, nil
}

// entryFor renders notification copy for a candidate and shapes it into a
// queue entry.
func entryFor(c queue.Candidate) queue.Entry {
	rendered := composer.Compose(c.Type, c.Payload, c.Companion)

	return queue.Entry{
		UserID:       c.UserID,
		Type:         c.Type,
		Title:        rendered.Title,
		Body:         rendered.Body,
		ScheduledFor: c.ScheduledFor,
		SourceTable:  c.SourceTable,
		SourceID:     c.SourceID,
		Payload:      c.Payload,
		DedupeKey:    c.DedupeKey,
		Priority:     domain.Priority(c.Type),
		Status:       queue.StatusQueued,
	}
}
