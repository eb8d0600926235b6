// Package results persists successful job output in Postgres.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	table     = "job_results"
	refPrefix = table + "/"
)

var ErrNotFound = errors.New("result not found")

// Result is a stored job result
type Result struct {
	JobID     string                          `db:"job_id" json:"job_id"`
	UserID    string                          `db:"user_id" json:"user_id"`
	JobType   string                          `db:"job_type" json:"job_type"`
	Result    database.JSONB[json.RawMessage] `db:"result" json:"result"`
	CreatedAt time.Time                       `db:"created_at" json:"created_at"`
}

// Store reads and writes job_results
type Store struct {
	db     *sqlx.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewStore(db *sqlx.DB, logger ectologger.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// Ref is the result_ref recorded on the job for jobID
func Ref(jobID string) string {
	return refPrefix + jobID
}

// ParseRef extracts the job id from a result_ref
func ParseRef(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, refPrefix)
	return id, ok && id != ""
}

// Save upserts the result for a job and returns its reference
func (s *Store) Save(ctx context.Context, jobID, userID, jobType string, result json.RawMessage) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ResultStore.Save")
	defer span.End()

	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table).
		Cols("job_id", "user_id", "job_type", "result", "created_at").
		Values(jobID, userID, jobType, database.JSONB[json.RawMessage]{Data: result}, s.now().UTC())
	ib.OnConflictUpdate([]string{"job_id"}, "result", "created_at")

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.WithContext(ctx).WithError(err).Errorf("Failed to store result for job %s", jobID)
		return "", fmt.Errorf("failed to store result: %w", err)
	}

	return Ref(jobID), nil
}

// Get returns the stored result for a job
func (s *Store) Get(ctx context.Context, jobID string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ResultStore.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("job_id", "user_id", "job_type", "result", "created_at").
		From(table).
		Where(sb.Equal("job_id", jobID))

	query, args := sb.Build()
	var r Result
	if err := s.db.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return &r, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
