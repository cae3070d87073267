package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/taskengine/internal/domain/delivery"
	"github.com/r3e-network/taskengine/internal/errs"
)

func (p *Postgres) ListDestinations(ctx context.Context, onlyEnabled bool) ([]delivery.Destination, error) {
	query := `SELECT name, kind, config, enabled FROM delivery_destinations`
	if onlyEnabled {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY name`

	var out []delivery.Destination
	if err := p.db.SelectContext(ctx, &out, query); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "destination", "", err)
	}
	return out, nil
}

func (p *Postgres) GetDestination(ctx context.Context, name string) (delivery.Destination, error) {
	var out delivery.Destination
	err := p.db.GetContext(ctx, &out, `SELECT name, kind, config, enabled FROM delivery_destinations WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Destination{}, errs.NotFound("destination", name)
	}
	if err != nil {
		return delivery.Destination{}, errs.Wrap(errs.KindInternal, "destination", name, err)
	}
	return out, nil
}

func (p *Postgres) UpsertDestination(ctx context.Context, d delivery.Destination) (delivery.Destination, error) {
	now := time.Now().UTC()
	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO delivery_destinations (name, kind, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind, config = EXCLUDED.config, enabled = EXCLUDED.enabled, updated_at = $5
		RETURNING name, kind, config, enabled
	`, d.Name, d.Kind, d.Config, d.Enabled, now)

	var out delivery.Destination
	if err := row.StructScan(&out); err != nil {
		return delivery.Destination{}, errs.Wrap(errs.KindInternal, "destination", d.Name, err)
	}
	return out, nil
}

func (p *Postgres) RecordResult(ctx context.Context, r delivery.DeliveryResult) (delivery.DeliveryResult, error) {
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO delivery_results (uuid, execution_id, destination, outcome, attempt_count, error_message, detail, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, uuid, execution_id, destination, outcome, attempt_count, error_message, detail, delivered_at, created_at
	`, r.UUID, r.ExecutionID, r.Destination, r.Outcome, r.AttemptCount, r.ErrorMessage, r.Detail, r.DeliveredAt, r.CreatedAt)

	var out delivery.DeliveryResult
	if err := row.StructScan(&out); err != nil {
		return delivery.DeliveryResult{}, errs.Wrap(errs.KindInternal, "delivery_result", r.UUID, err)
	}
	return out, nil
}

var deliveryResultFilterColumns = map[string]string{
	"uuid":         "uuid",
	"execution_id": "execution_id",
	"destination":  "destination",
	"outcome":      "outcome",
	"created_at":   "created_at",
}

func (p *Postgres) FindDeliveryResultsWithFilters(ctx context.Context, filter Filter, pagination errs.Pagination) (ListResponse[delivery.DeliveryResult], error) {
	where, args, err := buildWhere(deliveryResultFilterColumns, filter.Predicates, 0)
	if err != nil {
		return ListResponse[delivery.DeliveryResult]{}, err
	}

	total, err := p.countWithWhere(ctx, "delivery_results", where, args)
	if err != nil {
		return ListResponse[delivery.DeliveryResult]{}, err
	}

	query := `
		SELECT id, uuid, execution_id, destination, outcome, attempt_count, error_message, detail, delivered_at, created_at
		FROM delivery_results ` + where + ` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`
	query = paginate(query, &args, pagination)

	var out []delivery.DeliveryResult
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return ListResponse[delivery.DeliveryResult]{}, errs.Wrap(errs.KindInternal, "delivery_result", "", err)
	}
	return ListResponse[delivery.DeliveryResult]{Items: out, Meta: newListMeta(pagination, total)}, nil
}

func (p *Postgres) CountDeliveryResults(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(deliveryResultFilterColumns, filter.Predicates, 0)
	if err != nil {
		return 0, err
	}
	return p.countWithWhere(ctx, "delivery_results", where, args)
}

func (p *Postgres) ListResults(ctx context.Context, executionID int64) ([]delivery.DeliveryResult, error) {
	var out []delivery.DeliveryResult
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, uuid, execution_id, destination, outcome, attempt_count, error_message, detail, delivered_at, created_at
		FROM delivery_results WHERE execution_id = $1 ORDER BY created_at
	`, executionID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "delivery_result", "", err)
	}
	return out, nil
}
