package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/repo/postgres"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

func TestCreateAssignsID(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)
	id, err := repo.Create(context.Background(), domain.Job{Prompt: "a cat"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Contains(t, pool.lastSQL, "INSERT INTO jobs")
}

func TestCreateKeepsProvidedID(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)
	id, err := repo.Create(context.Background(), domain.Job{ID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
}

func TestCreateExecError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("boom")}
	repo := postgres.NewJobRepo(pool)
	_, err := repo.Create(context.Background(), domain.Job{})
	require.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetScansRow(t *testing.T) {
	created := time.Now().UTC().Truncate(time.Second)
	pool := &poolStub{row: rowStub{scan: fillJobRow("job-1", domain.JobProcessing, created)}}
	repo := postgres.NewJobRepo(pool)
	j, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", j.ID)
	require.Equal(t, domain.JobProcessing, j.Status)
	require.Equal(t, 20, j.Params.Steps)
	require.Equal(t, created, j.CreatedAt)
	require.Equal(t, 3, j.Sequence)
}

func TestUpdateFailedRequiresErrorKind(t *testing.T) {
	repo := postgres.NewJobRepo(&poolStub{})
	failed := domain.JobFailed
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &failed})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUpdateStatusGuardsTerminalRows(t *testing.T) {
	// UPDATE ... RETURNING matches nothing, the follow-up Get finds the
	// job: the row must be terminal, so the patch is an invalid transition.
	pool := &poolStub{rowSeq: []rowStub{
		{scan: func(_ ...any) error { return pgx.ErrNoRows }},
		{scan: fillJobRow("job-1", domain.JobCompleted, time.Now())},
	}}
	repo := postgres.NewJobRepo(pool)
	processing := domain.JobProcessing
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &processing})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateProgressGuardsTerminalRows(t *testing.T) {
	// A late poll result after another worker finished the job must not
	// drag a completed row's progress back down.
	pool := &poolStub{rowSeq: []rowStub{
		{scan: func(_ ...any) error { return pgx.ErrNoRows }},
		{scan: fillJobRow("job-1", domain.JobCompleted, time.Now())},
	}}
	repo := postgres.NewJobRepo(pool)
	progress := 0.9
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Progress: &progress})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateLifecycleFieldsCarryGuard(t *testing.T) {
	for name, patch := range map[string]domain.JobPatch{
		"progress": {Progress: ptr(0.3)},
		"result":   {Result: &domain.JobResult{Images: []string{"a"}}},
		"started":  {StartedAt: ptr(time.Now().UTC())},
		"attempts": {AttemptCount: ptr(2)},
	} {
		t.Run(name, func(t *testing.T) {
			pool := &poolStub{row: rowStub{scan: fillJobRow("job-1", domain.JobProcessing, time.Now())}}
			repo := postgres.NewJobRepo(pool)
			_, err := repo.Update(context.Background(), "job-1", patch)
			require.NoError(t, err)
			require.Contains(t, pool.lastSQL, "finished_at IS NULL")
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestUpdateMissingJob(t *testing.T) {
	pool := &poolStub{rowSeq: []rowStub{
		{scan: func(_ ...any) error { return pgx.ErrNoRows }},
		{scan: func(_ ...any) error { return pgx.ErrNoRows }},
	}}
	repo := postgres.NewJobRepo(pool)
	processing := domain.JobProcessing
	_, err := repo.Update(context.Background(), "missing", domain.JobPatch{Status: &processing})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateCompletedForcesProgress(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: fillJobRow("job-1", domain.JobCompleted, time.Now())}}
	repo := postgres.NewJobRepo(pool)
	completed := domain.JobCompleted
	low := 0.4
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Status: &completed, Progress: &low})
	require.NoError(t, err)
	// Args: id, status, progress — the store overwrote the caller's 0.4.
	require.Len(t, pool.lastArgs, 3)
	require.Equal(t, 1.0, pool.lastArgs[2])
	require.Contains(t, pool.lastSQL, "finished_at IS NULL")
}

func TestUpdateRatingSkipsGuard(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: fillJobRow("job-1", domain.JobCompleted, time.Now())}}
	repo := postgres.NewJobRepo(pool)
	rating := 5
	_, err := repo.Update(context.Background(), "job-1", domain.JobPatch{Rating: &rating})
	require.NoError(t, err)
	require.NotContains(t, pool.lastSQL, "finished_at IS NULL")
}

func TestNextSequence(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*int) = 4
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)
	seq, err := repo.NextSequence(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 4, seq)
	require.Contains(t, pool.lastSQL, "sequence + 1")
}

func TestListPagination(t *testing.T) {
	base := time.Now().UTC()
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{
		fillJobRow("job-1", domain.JobCompleted, base),
		fillJobRow("job-2", domain.JobCompleted, base.Add(-time.Minute)),
		fillJobRow("job-3", domain.JobCompleted, base.Add(-2*time.Minute)),
	}}}
	repo := postgres.NewJobRepo(pool)
	jobs, next, err := repo.List(context.Background(), domain.JobFilter{}, 2, "")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.NotEmpty(t, next, "a full page plus one must yield a cursor")
	require.Contains(t, pool.lastSQL, "ORDER BY created_at DESC, id ASC")

	// The cursor must round-trip back into a keyset condition.
	pool.rows = &rowsStub{}
	_, _, err = repo.List(context.Background(), domain.JobFilter{}, 2, next)
	require.NoError(t, err)
	require.Contains(t, pool.lastSQL, "created_at <")
}

func TestListStatusFilter(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{}}
	repo := postgres.NewJobRepo(pool)
	st := domain.JobFailed
	_, _, err := repo.List(context.Background(), domain.JobFilter{Status: &st}, 10, "")
	require.NoError(t, err)
	require.True(t, strings.Contains(pool.lastSQL, "status = $1"))
	require.Equal(t, []any{domain.JobFailed}, pool.lastArgs)
}

func TestListRejectsBadCursor(t *testing.T) {
	repo := postgres.NewJobRepo(&poolStub{rows: &rowsStub{}})
	_, _, err := repo.List(context.Background(), domain.JobFilter{}, 10, "not-base64!!!")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDeleteTerminal(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 1")}
	repo := postgres.NewJobRepo(pool)
	require.NoError(t, repo.Delete(context.Background(), "job-1"))
	require.Contains(t, pool.lastSQL, "finished_at IS NOT NULL")
}

func TestDeleteNonTerminalConflicts(t *testing.T) {
	pool := &poolStub{
		execTag: pgconn.NewCommandTag("DELETE 0"),
		row:     rowStub{scan: fillJobRow("job-1", domain.JobProcessing, time.Now())},
	}
	repo := postgres.NewJobRepo(pool)
	err := repo.Delete(context.Background(), "job-1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestDeleteMissing(t *testing.T) {
	pool := &poolStub{
		execTag: pgconn.NewCommandTag("DELETE 0"),
		row:     rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }},
	}
	repo := postgres.NewJobRepo(pool)
	err := repo.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
