// Package dispatch drains the push queue: it claims due entries, applies
// rollout and budget gates, fans out to the user's devices and records the
// outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lumera-app/beacon/internal/apns"
	"github.com/lumera-app/beacon/internal/domain"
	"github.com/lumera-app/beacon/internal/queue"
	"github.com/lumera-app/beacon/internal/sources"
	"github.com/lumera-app/beacon/internal/timing"
)

// Dispatch modes. Shadow processes entries end to end without calling APNs;
// send delivers for users inside the rollout cohort.
const (
	ModeShadow = "shadow"
	ModeSend   = "send"
)

const terminalNoDeviceError = "no_device_tokens"

// Config contains dispatcher configuration.
type Config struct {
	Mode           string
	Rollback       bool
	RolloutPercent int
	MaxAttempts    int
	BatchSize      int
}

// DefaultConfig returns the conservative defaults: shadow mode, nobody in
// the cohort.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeShadow,
		RolloutPercent: 0,
		MaxAttempts:    5,
		BatchSize:      100,
	}
}

func (c Config) normalized() Config {
	c.RolloutPercent = max(0, min(100, c.RolloutPercent))
	c.MaxAttempts = max(1, c.MaxAttempts)
	c.BatchSize = max(1, c.BatchSize)
	return c
}

// Sender delivers one push to one device.
type Sender interface {
	Send(ctx context.Context, n apns.Notification) (*apns.Result, error)
}

// Result summarizes one dispatch pass.
type Result struct {
	Processed      int `json:"processed"`
	Sent           int `json:"sent"`
	Retried        int `json:"retried"`
	FailedTerminal int `json:"failed_terminal"`
	SkippedRollout int `json:"skipped_rollout"`
	SkippedBudget  int `json:"skipped_budget"`
	Shadowed       int `json:"shadowed"`
}

// Service runs dispatch passes.
type Service struct {
	config  Config
	queue   queue.Repository
	sources sources.Repository
	sender  Sender
}

// NewService creates a dispatch service.
func NewService(config Config, queueRepo queue.Repository, sourcesRepo sources.Repository, sender Sender) *Service {
	return &Service{
		config:  config.normalized(),
		queue:   queueRepo,
		sources: sourcesRepo,
		sender:  sender,
	}
}

// Run executes one dispatch pass at now. Row failures are isolated: a bad
// entry is logged and the pass moves on.
func (s *Service) Run(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()
	workerID := uuid.NewString()

	due, err := s.queue.FetchDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch due entries: %w", err)
	}

	result := &Result{}
	budgets := make(map[string]*BudgetState)

	for _, candidate := range due {
		entry, err := s.queue.Claim(ctx, candidate.ID, workerID, now)
		if err != nil {
			if errors.Is(err, queue.ErrAlreadyClaimed) {
				continue
			}
			slog.Error("claim failed", "entry_id", candidate.ID, "error", err)
			continue
		}

		result.Processed++
		if err := s.processEntry(ctx, entry, budgets, now, result); err != nil {
			slog.Error("dispatch entry failed",
				"entry_id", entry.ID,
				"type", entry.Type,
				"error", err,
			)
		}
	}

	recordPass(result)

	slog.Info("dispatch pass complete",
		"mode", s.config.Mode,
		"due", len(due),
		"processed", result.Processed,
		"sent", result.Sent,
		"retried", result.Retried,
		"failed_terminal", result.FailedTerminal,
		"skipped_rollout", result.SkippedRollout,
		"skipped_budget", result.SkippedBudget,
		"shadowed", result.Shadowed,
		"duration", time.Since(start),
	)

	return result, nil
}

// processEntry runs one claimed entry through the gates and, in send mode,
// the device fan-out.
func (s *Service) processEntry(ctx context.Context, entry *queue.Entry, budgets map[string]*BudgetState, now time.Time, result *Result) error {
	attempt := entry.AttemptCount + 1

	if s.config.Rollback {
		result.SkippedRollout++
		return s.queue.MarkSkipped(ctx, entry.ID, queue.StatusSkippedRollout, attempt, now, "rollback_enabled")
	}

	if s.config.Mode == ModeShadow {
		result.Shadowed++
		return s.queue.MarkSkipped(ctx, entry.ID, queue.StatusShadow, attempt, now, "shadow_mode")
	}

	if s.config.Mode != ModeSend {
		result.SkippedRollout++
		return s.queue.MarkSkipped(ctx, entry.ID, queue.StatusSkippedRollout, attempt, now,
			fmt.Sprintf("unknown_mode:%s", s.config.Mode))
	}

	if !timing.InRolloutCohort(entry.UserID, s.config.RolloutPercent) {
		result.SkippedRollout++
		return s.queue.MarkSkipped(ctx, entry.ID, queue.StatusSkippedRollout, attempt, now,
			fmt.Sprintf("rollout_%d", s.config.RolloutPercent))
	}

	budget, ok := budgets[entry.UserID]
	if !ok {
		var err error
		budget, err = LoadBudgetState(ctx, s.queue, s.sources, entry.UserID, now)
		if err != nil {
			// Same transient infrastructure trouble as a failed token
			// lookup. The claim must resolve either way; returning here
			// would leave the row in processing with no way back.
			lastError := fmt.Sprintf("budget_query_failed:%s", err)
			if attempt < s.config.MaxAttempts {
				result.Retried++
				return s.queue.MarkRetry(ctx, entry.ID, attempt, now.Add(timing.RetryDelay(attempt)), lastError)
			}
			result.FailedTerminal++
			return s.queue.MarkTerminal(ctx, entry.ID, attempt, now, lastError)
		}
		budgets[entry.UserID] = budget
	}

	if allow, reason := budget.Decide(entry, now); !allow {
		result.SkippedBudget++
		return s.queue.MarkSkipped(ctx, entry.ID, queue.StatusSkippedBudget, attempt, now, reason)
	}

	tokens, err := s.sources.DeviceTokens(ctx, entry.UserID)
	if err != nil {
		// Token lookup failure is transient infrastructure trouble, not a
		// verdict on the notification.
		lastError := fmt.Sprintf("token_query_failed:%s", err)
		if attempt < s.config.MaxAttempts {
			result.Retried++
			return s.queue.MarkRetry(ctx, entry.ID, attempt, now.Add(timing.RetryDelay(attempt)), lastError)
		}
		result.FailedTerminal++
		return s.queue.MarkTerminal(ctx, entry.ID, attempt, now, lastError)
	}

	if len(tokens) == 0 {
		result.FailedTerminal++
		return s.queue.MarkTerminal(ctx, entry.ID, attempt, now, terminalNoDeviceError)
	}

	outcome := s.fanOut(ctx, entry, tokens)

	if len(outcome.deleteTokenIDs) > 0 {
		if err := s.sources.DeleteDeviceTokens(ctx, outcome.deleteTokenIDs); err != nil {
			slog.Error("delete invalid device tokens failed",
				"entry_id", entry.ID, "count", len(outcome.deleteTokenIDs), "error", err)
		}
		recordTokensDeleted(len(outcome.deleteTokenIDs))
	}

	if outcome.successCount > 0 {
		result.Sent++
		if err := s.queue.MarkSent(ctx, entry.ID, attempt, now); err != nil {
			return err
		}
		if err := s.sources.AcknowledgeDelivery(ctx, entry.SourceTable, entry.SourceID, entry.Type, now); err != nil {
			slog.Error("acknowledge source delivery failed",
				"entry_id", entry.ID,
				"source_table", entry.SourceTable,
				"source_id", entry.SourceID,
				"error", err,
			)
		}
		budget.RecordSend(now)
		recordDelivery(string(entry.Type))
		return nil
	}

	if outcome.transient && attempt < s.config.MaxAttempts {
		result.Retried++
		lastError := outcome.terminalReason
		if lastError == "" {
			lastError = "transient_delivery_failure"
		}
		return s.queue.MarkRetry(ctx, entry.ID, attempt, now.Add(timing.RetryDelay(attempt)), lastError)
	}

	result.FailedTerminal++
	lastError := outcome.terminalReason
	if lastError == "" {
		lastError = "delivery_failed"
	}
	return s.queue.MarkTerminal(ctx, entry.ID, attempt, now, lastError)
}

type fanOutOutcome struct {
	successCount   int
	transient      bool
	terminalReason string
	deleteTokenIDs []string
}

// fanOut sends the entry to every registered device. One success is enough
// to count the entry as delivered.
func (s *Service) fanOut(ctx context.Context, entry *queue.Entry, tokens []domain.DeviceToken) fanOutOutcome {
	data := make(map[string]any, len(entry.Payload)+2)
	for k, v := range entry.Payload {
		data[k] = v
	}
	data["queue_id"] = entry.ID
	data["type"] = string(entry.Type)

	var outcome fanOutOutcome
	for _, token := range tokens {
		sendResult, err := s.sender.Send(ctx, apns.Notification{
			DeviceToken: token.Token,
			Title:       entry.Title,
			Body:        entry.Body,
			Data:        data,
		})
		if err != nil {
			outcome.transient = true
			slog.Error("apns send failed",
				"entry_id", entry.ID, "token_id", token.ID, "error", err)
			continue
		}

		if sendResult.Success {
			outcome.successCount++
			continue
		}

		if sendResult.DeleteToken {
			outcome.deleteTokenIDs = append(outcome.deleteTokenIDs, token.ID)
		}

		if sendResult.Terminal {
			reason := sendResult.Reason
			if reason == "" {
				reason = fmt.Sprintf("terminal_status_%d", sendResult.Status)
			}
			outcome.terminalReason = reason
		} else {
			outcome.transient = true
		}
	}

	return outcome
}
