package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/repo/postgres"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

func fillAdapterRow(id, name string, active bool, ordinal int) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = name
		*dest[2].(*string) = "v1"
		*dest[3].(*string) = "/models/" + name + ".safetensors"
		*dest[4].(*float64) = 0.8
		*dest[5].(*bool) = active
		*dest[6].(*int) = ordinal
		*dest[7].(*[]string) = []string{name + " style"}
		*dest[8].(*time.Time) = time.Now().UTC()
		return nil
	}
}

func TestAdapterGet(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: fillAdapterRow("lora-1", "catstyle", true, 1)}}
	repo := postgres.NewAdapterRepo(pool)
	a, err := repo.Get(context.Background(), "lora-1")
	require.NoError(t, err)
	require.Equal(t, "catstyle", a.Name)
	require.Equal(t, []string{"catstyle style"}, a.TriggerWords)
}

func TestAdapterGetNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewAdapterRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListActiveOrdersByOrdinal(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{
		fillAdapterRow("lora-1", "catstyle", true, 1),
		fillAdapterRow("lora-2", "hires", true, 2),
	}}}
	repo := postgres.NewAdapterRepo(pool)
	out, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, pool.lastSQL, "WHERE active ORDER BY ordinal ASC, id ASC")
}

func TestListIncludesInactive(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{}}
	repo := postgres.NewAdapterRepo(pool)
	_, err := repo.List(context.Background())
	require.NoError(t, err)
	require.NotContains(t, pool.lastSQL, "WHERE active")
}
