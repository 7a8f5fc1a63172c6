package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements enough of pgx.Rows for List tests.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { r.idx++; return r.idx <= len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	row      rowStub
	rowSeq   []rowStub
	rows     *rowsStub
	queryErr error

	lastSQL  string
	lastArgs []any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL, p.lastArgs = sql, args
	return p.execTag, p.execErr
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL, p.lastArgs = sql, args
	if len(p.rowSeq) > 0 {
		r := p.rowSeq[0]
		p.rowSeq = p.rowSeq[1:]
		return r
	}
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

// fillJobRow assigns a fixed job row into scanJob's destinations.
func fillJobRow(id string, status domain.JobStatus, created time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = "a cat"
		*dest[2].(*string) = ""
		*dest[3].(*domain.GenerationMode) = domain.ModeQueued
		*dest[4].(*[]byte) = []byte(`{"steps":20,"cfg_scale":7,"width":512,"height":512,"batch_size":1}`)
		*dest[5].(*domain.JobStatus) = status
		*dest[6].(*float64) = 0.5
		*dest[7].(*[]byte) = nil
		*dest[8].(*time.Time) = created
		*dest[9].(**time.Time) = nil
		*dest[10].(**time.Time) = nil
		*dest[11].(**int) = nil
		*dest[12].(*bool) = false
		*dest[13].(*int) = 1
		*dest[14].(*int) = 3
		return nil
	}
}
