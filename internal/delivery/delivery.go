// Package delivery ships a completed task's output to its configured
// destinations (spec.md §4.8): render a template, write to a sink,
// retry per-destination, and persist the outcome as a
// delivery.DeliveryResult row. Destinations are a tagged-capability
// interface, the same pattern internal/registry uses for Source, with
// Filesystem and Webhook as the two concrete implementations this core
// ships; Stdio/Database/S3 are named extension points in spec.md §4.8
// with no implementation here.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/infrastructure/logging"
	"github.com/r3e-network/taskengine/infrastructure/metrics"
	domaindelivery "github.com/r3e-network/taskengine/internal/domain/delivery"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/store"
)

// TaskOutput is what the coordinator hands to Delivery after a task
// executes successfully (spec.md §4.8).
type TaskOutput struct {
	JobID             *int64
	TaskID            int64
	ExecutionID       int64
	ExecutionUUID     string
	OutputData        json.RawMessage
	Metadata          map[string]any
	CompletedAt       time.Time
	ExecutionDuration time.Duration
}

// DeliveryContext carries render-time variables and trace metadata
// common to every destination for one delivery round (spec.md §4.8).
type DeliveryContext struct {
	TaskName          string
	TaskVersion       string
	Timestamp         time.Time
	Environment       string
	TraceID           string
	TemplateVariables map[string]any
}

// Attempt is one destination's outcome for a single delivery, before
// Service converts it into a persisted delivery.DeliveryResult row.
type Attempt struct {
	Success      bool
	SizeBytes    int64
	ResponseInfo json.RawMessage
	Err          error
	Attempts     int
}

// Destination renders and ships a TaskOutput to one named sink.
// ValidateConfig is exposed separately from Deliver so a candidate
// config can be checked before a destination row is created or
// updated, without attempting a real delivery.
type Destination interface {
	Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (Attempt, error)
	ValidateConfig(raw json.RawMessage) error
}

// Factory builds a Destination from a destination row's raw, kind-specific config.
type Factory func(raw json.RawMessage) (Destination, error)

// DefaultFactories is the built-in Destination registry.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"filesystem": NewFilesystemDestination,
		"webhook":    NewWebhookDestination,
	}
}

// Service dispatches a TaskOutput to every enabled destination and
// persists one delivery.DeliveryResult row per attempt. Delivery
// attempts across destinations are unordered with respect to each
// other (spec.md §4.7's ordering guarantees); this implementation runs
// them concurrently.
type Service struct {
	store     store.DeliveryStore
	factories map[string]Factory
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// NewService builds a Service. A nil factories map uses DefaultFactories.
func NewService(st store.DeliveryStore, factories map[string]Factory, m *metrics.Metrics, logger *logging.Logger) *Service {
	if factories == nil {
		factories = DefaultFactories()
	}
	return &Service{store: st, factories: factories, metrics: m, logger: logger}
}

// deliveryOutcome pairs a destination name with its persisted result,
// used internally to fan results back in from concurrent deliverOne calls.
type deliveryOutcome struct {
	result domaindelivery.DeliveryResult
	err    error
}

// Deliver ships output to every enabled destination and persists each
// outcome, returning every successfully persisted DeliveryResult.
// A destination whose RecordResult call itself fails is logged and
// skipped rather than aborting the remaining deliveries — one broken
// destination must not block another's.
func (s *Service) Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) ([]domaindelivery.DeliveryResult, error) {
	destinations, err := s.store.ListDestinations(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("delivery: list destinations: %w", err)
	}

	outcomes := make(chan deliveryOutcome, len(destinations))
	for _, dest := range destinations {
		go func(dest domaindelivery.Destination) {
			result := s.deliverOne(ctx, dest, output, dctx)
			persisted, err := s.store.RecordResult(ctx, result)
			outcomes <- deliveryOutcome{result: persisted, err: err}
		}(dest)
	}

	results := make([]domaindelivery.DeliveryResult, 0, len(destinations))
	for range destinations {
		outcome := <-outcomes
		if outcome.err != nil {
			if s.logger != nil {
				s.logger.WithError(outcome.err).Error("delivery: record result failed")
			}
			continue
		}
		results = append(results, outcome.result)
	}
	return results, nil
}

func (s *Service) deliverOne(ctx context.Context, dest domaindelivery.Destination, output TaskOutput, dctx DeliveryContext) domaindelivery.DeliveryResult {
	start := time.Now()
	result := domaindelivery.DeliveryResult{
		UUID:        uuid.NewString(),
		ExecutionID: output.ExecutionID,
		Destination: dest.Name,
	}

	factory, ok := s.factories[dest.Kind]
	if !ok {
		result.Outcome = domaindelivery.OutcomeFailed
		result.ErrorMessage = fmt.Sprintf("unknown destination kind %q", dest.Kind)
		s.recordMetric(dest.Name, result.Outcome, time.Since(start))
		return result
	}

	destination, err := factory(dest.Config)
	if err != nil {
		result.Outcome = domaindelivery.OutcomeFailed
		result.ErrorMessage = err.Error()
		s.recordMetric(dest.Name, result.Outcome, time.Since(start))
		return result
	}

	attempt, err := destination.Deliver(ctx, output, dctx)
	duration := time.Since(start)
	if err != nil {
		result.Outcome = domaindelivery.OutcomeFailed
		result.ErrorMessage = err.Error()
		s.recordMetric(dest.Name, result.Outcome, duration)
		return result
	}

	result.AttemptCount = attempt.Attempts
	if result.AttemptCount == 0 {
		result.AttemptCount = 1
	}
	if attempt.Success {
		now := time.Now()
		result.Outcome = domaindelivery.OutcomeSuccess
		result.DeliveredAt = &now
		detail := map[string]any{"size_bytes": attempt.SizeBytes}
		if len(attempt.ResponseInfo) > 0 {
			detail["response_info"] = attempt.ResponseInfo
		}
		result.Detail, _ = json.Marshal(detail)
	} else {
		result.Outcome = domaindelivery.OutcomeFailed
		if attempt.Err != nil {
			result.ErrorMessage = attempt.Err.Error()
			result.Detail, _ = json.Marshal(map[string]any{"kind": string(errs.KindOf(attempt.Err))})
		}
	}
	s.recordMetric(dest.Name, result.Outcome, duration)
	return result
}

func (s *Service) recordMetric(destination string, outcome domaindelivery.Outcome, duration time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDelivery("taskengine", destination, string(outcome), duration)
}
