package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

const adapterColumns = `id, name, version, file_path, weight, active, ordinal, trigger_words, last_updated`

// AdapterRepo is the read-only view over the LoRA catalog table. The
// catalog's write path lives outside this service.
type AdapterRepo struct{ Pool PgxPool }

// NewAdapterRepo constructs an AdapterRepo with the given pool.
func NewAdapterRepo(p PgxPool) *AdapterRepo { return &AdapterRepo{Pool: p} }

// Get loads an adapter by id.
func (r *AdapterRepo) Get(ctx domain.Context, id string) (domain.Adapter, error) {
	tracer := otel.Tracer("repo.adapters")
	ctx, span := tracer.Start(ctx, "adapters.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+adapterColumns+` FROM adapters WHERE id=$1`, id)
	a, err := scanAdapter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Adapter{}, fmt.Errorf("op=adapter.get: %w", domain.ErrNotFound)
		}
		return domain.Adapter{}, fmt.Errorf("op=adapter.get: %w", err)
	}
	return a, nil
}

// ListActive returns active adapters in composition order.
func (r *AdapterRepo) ListActive(ctx domain.Context) ([]domain.Adapter, error) {
	return r.list(ctx, `SELECT `+adapterColumns+` FROM adapters WHERE active ORDER BY ordinal ASC, id ASC`)
}

// List returns the full catalog in composition order.
func (r *AdapterRepo) List(ctx domain.Context) ([]domain.Adapter, error) {
	return r.list(ctx, `SELECT `+adapterColumns+` FROM adapters ORDER BY ordinal ASC, id ASC`)
}

func (r *AdapterRepo) list(ctx domain.Context, q string) ([]domain.Adapter, error) {
	tracer := otel.Tracer("repo.adapters")
	ctx, span := tracer.Start(ctx, "adapters.list")
	defer span.End()
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=adapter.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Adapter
	for rows.Next() {
		a, err := scanAdapter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=adapter.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=adapter.list: %w", err)
	}
	return out, nil
}

func scanAdapter(row pgx.Row) (domain.Adapter, error) {
	var a domain.Adapter
	if err := row.Scan(&a.ID, &a.Name, &a.Version, &a.FilePath, &a.Weight, &a.Active, &a.Ordinal, &a.TriggerWords, &a.LastUpdated); err != nil {
		return domain.Adapter{}, err
	}
	return a, nil
}
