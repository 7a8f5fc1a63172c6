package postgres

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// jobColumns is the canonical select list shared by every job query.
const jobColumns = `id, prompt, negative_prompt, mode, params, status, progress, result, created_at, started_at, finished_at, rating, is_favorite, attempt_count, sequence`

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Per-job update serialization relies on row locks taken by the single-row
// UPDATE statements; the terminal-state guard is enforced in SQL so that
// concurrent workers cannot revive a finished job.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var jobIDEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// NewJobID returns a fresh ULID job identifier.
func NewJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), jobIDEntropy).String()
}

// Create inserts a new job with status queued and sequence 0, returning its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = NewJobID()
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	created := j.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, prompt, negative_prompt, mode, params, status, progress, created_at, is_favorite, attempt_count, sequence)
	      VALUES ($1,$2,$3,$4,$5,$6,0,$7,false,0,0)`
	_, err = r.Pool.Exec(ctx, q, id, j.Prompt, j.NegativePrompt, j.Mode, params, domain.JobQueued, created)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Update applies a partial update. Patches touching the job lifecycle
// (status, progress, result, started_at, finished_at, attempt_count) never
// match a terminal row and fail with ErrInvalidTransition; rating and
// favorite patches apply to terminal jobs as well.
func (r *JobRepo) Update(ctx domain.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	if patch.Status != nil && *patch.Status == domain.JobFailed {
		if patch.Result == nil || patch.Result.ErrorKind == "" {
			return domain.Job{}, fmt.Errorf("op=job.update: %w: failed status requires an error kind", domain.ErrInvalidArgument)
		}
	}

	sets := make([]string, 0, 8)
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
		if *patch.Status == domain.JobCompleted {
			// Completed implies full progress regardless of the last poll.
			one := 1.0
			patch.Progress = &one
		}
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.Result != nil {
		b, err := json.Marshal(patch.Result)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
		}
		add("result", b)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.FinishedAt != nil {
		add("finished_at", *patch.FinishedAt)
	}
	if patch.AttemptCount != nil {
		add("attempt_count", *patch.AttemptCount)
	}
	if patch.Rating != nil {
		add("rating", *patch.Rating)
	}
	if patch.IsFavorite != nil {
		add("is_favorite", *patch.IsFavorite)
	}
	if len(sets) == 0 {
		return r.Get(ctx, id)
	}

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id=$1`
	if touchesLifecycle(patch) {
		// Terminal rows never match: the guard is what makes redelivered
		// updates and late poll results harmless.
		q += ` AND finished_at IS NULL`
	}
	q += ` RETURNING ` + jobColumns

	row := r.Pool.QueryRow(ctx, q, args...)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	// Distinguish a missing job from a guarded terminal row.
	if _, gerr := r.Get(ctx, id); gerr != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrInvalidTransition)
}

// touchesLifecycle reports whether the patch writes any field the delivery
// path owns. Only rating and favorite updates may reach a terminal row.
func touchesLifecycle(p domain.JobPatch) bool {
	return p.Status != nil || p.Progress != nil || p.Result != nil ||
		p.StartedAt != nil || p.FinishedAt != nil || p.AttemptCount != nil
}

// NextSequence atomically increments and returns the job's event sequence.
func (r *JobRepo) NextSequence(ctx domain.Context, id string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.NextSequence")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `UPDATE jobs SET sequence = sequence + 1 WHERE id=$1 RETURNING sequence`, id)
	var seq int
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=job.next_sequence: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=job.next_sequence: %w", err)
	}
	return seq, nil
}

// List returns a stable page of jobs ordered by created_at desc, id asc.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter, limit int, cursor string) ([]domain.Job, string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at <= "+arg(*f.CreatedBefore))
	}
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("op=job.list: %w: bad cursor", domain.ErrInvalidArgument)
		}
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id > %s))", arg(at), arg(at), arg(id)))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT %d`, limit+1)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("op=job.list: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("op=job.list: %w", err)
	}

	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

// Delete removes a terminal job; non-terminal jobs are refused.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1 AND finished_at IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	return fmt.Errorf("op=job.delete: %w: job not terminal", domain.ErrConflict)
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j          domain.Job
		params     []byte
		result     []byte
		startedAt  *time.Time
		finishedAt *time.Time
		rating     *int
	)
	if err := row.Scan(&j.ID, &j.Prompt, &j.NegativePrompt, &j.Mode, &params, &j.Status, &j.Progress, &result,
		&j.CreatedAt, &startedAt, &finishedAt, &rating, &j.IsFavorite, &j.AttemptCount, &j.Sequence); err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return domain.Job{}, err
		}
	}
	if len(result) > 0 {
		j.Result = &domain.JobResult{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return domain.Job{}, err
		}
	}
	j.StartedAt = startedAt
	j.FinishedAt = finishedAt
	j.Rating = rating
	return j, nil
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(at.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) (time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", err
	}
	at, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, id, nil
}
