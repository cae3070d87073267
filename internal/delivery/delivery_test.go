package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domaindelivery "github.com/r3e-network/taskengine/internal/domain/delivery"
	"github.com/r3e-network/taskengine/internal/errs"
	"github.com/r3e-network/taskengine/internal/store"
)

type fakeDeliveryStore struct {
	mu           sync.Mutex
	destinations []domaindelivery.Destination
	recorded     []domaindelivery.DeliveryResult
}

func (s *fakeDeliveryStore) ListDestinations(ctx context.Context, onlyEnabled bool) ([]domaindelivery.Destination, error) {
	return s.destinations, nil
}

func (s *fakeDeliveryStore) GetDestination(ctx context.Context, name string) (domaindelivery.Destination, error) {
	for _, d := range s.destinations {
		if d.Name == name {
			return d, nil
		}
	}
	return domaindelivery.Destination{}, errs.NotFound("destination", name)
}

func (s *fakeDeliveryStore) UpsertDestination(ctx context.Context, d domaindelivery.Destination) (domaindelivery.Destination, error) {
	s.destinations = append(s.destinations, d)
	return d, nil
}

func (s *fakeDeliveryStore) RecordResult(ctx context.Context, r domaindelivery.DeliveryResult) (domaindelivery.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = int64(len(s.recorded) + 1)
	s.recorded = append(s.recorded, r)
	return r, nil
}

func (s *fakeDeliveryStore) ListResults(ctx context.Context, executionID int64) ([]domaindelivery.DeliveryResult, error) {
	return s.recorded, nil
}

func (s *fakeDeliveryStore) FindDeliveryResultsWithFilters(ctx context.Context, filter store.Filter, pagination errs.Pagination) (store.ListResponse[domaindelivery.DeliveryResult], error) {
	return store.ListResponse[domaindelivery.DeliveryResult]{}, nil
}

func (s *fakeDeliveryStore) CountDeliveryResults(ctx context.Context, filter store.Filter) (int64, error) {
	return int64(len(s.recorded)), nil
}

var _ store.DeliveryStore = (*fakeDeliveryStore)(nil)

type fakeDestination struct {
	attempt Attempt
	err     error
}

func (f *fakeDestination) Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (Attempt, error) {
	return f.attempt, f.err
}

func (f *fakeDestination) ValidateConfig(raw json.RawMessage) error { return nil }

func TestServiceDeliverPersistsOneResultPerEnabledDestination(t *testing.T) {
	st := &fakeDeliveryStore{destinations: []domaindelivery.Destination{
		{Name: "fs", Kind: "fake-ok", Enabled: true},
		{Name: "hook", Kind: "fake-fail", Enabled: true},
	}}

	factories := map[string]Factory{
		"fake-ok":   func(raw json.RawMessage) (Destination, error) { return &fakeDestination{attempt: Attempt{Success: true, SizeBytes: 10, Attempts: 1}}, nil },
		"fake-fail": func(raw json.RawMessage) (Destination, error) { return &fakeDestination{attempt: Attempt{Err: errs.New(errs.KindWebhookFailed, "destination", "hook", "boom")}}, nil },
	}

	svc := NewService(st, factories, nil, nil)
	results, err := svc.Deliver(context.Background(), TaskOutput{ExecutionID: 1}, DeliveryContext{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]domaindelivery.DeliveryResult{}
	for _, r := range results {
		byName[r.Destination] = r
	}
	require.Equal(t, domaindelivery.OutcomeSuccess, byName["fs"].Outcome)
	require.Equal(t, domaindelivery.OutcomeFailed, byName["hook"].Outcome)
	require.NotEmpty(t, byName["hook"].ErrorMessage)
}

func TestServiceDeliverHandlesUnknownDestinationKind(t *testing.T) {
	st := &fakeDeliveryStore{destinations: []domaindelivery.Destination{
		{Name: "mystery", Kind: "does-not-exist", Enabled: true},
	}}
	svc := NewService(st, map[string]Factory{}, nil, nil)

	results, err := svc.Deliver(context.Background(), TaskOutput{}, DeliveryContext{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, domaindelivery.OutcomeFailed, results[0].Outcome)
}

func TestServiceDeliverAssignsUniqueResultUUIDs(t *testing.T) {
	st := &fakeDeliveryStore{destinations: []domaindelivery.Destination{
		{Name: "a", Kind: "fake-ok", Enabled: true},
		{Name: "b", Kind: "fake-ok", Enabled: true},
	}}
	factories := map[string]Factory{
		"fake-ok": func(raw json.RawMessage) (Destination, error) { return &fakeDestination{attempt: Attempt{Success: true}}, nil },
	}
	svc := NewService(st, factories, nil, nil)
	results, err := svc.Deliver(context.Background(), TaskOutput{}, DeliveryContext{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotEqual(t, results[0].UUID, results[1].UUID)
	for _, r := range results {
		_, err := uuid.Parse(r.UUID)
		require.NoError(t, err)
	}
}
