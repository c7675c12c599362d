package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"talentbud/server/internal/interview"
	"talentbud/server/internal/model"
)

var _ interview.Store = (*InterviewRepo)(nil)

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// InterviewRepo 是 interview.Store 的 PostgreSQL 实现。
type InterviewRepo struct {
	pool *pgxpool.Pool
}

func NewInterviewRepo(pool *pgxpool.Pool) *InterviewRepo {
	return &InterviewRepo{pool: pool}
}

func (r *InterviewRepo) Create(ctx context.Context, iv *model.Interview) error {
	const q = `
INSERT INTO interviews (id, organization_id, candidate_name, role, status, checkpoint_index, checkpoint_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE($8::timestamptz,NOW()),NOW())
RETURNING created_at, updated_at;`
	var createdAt any
	if !iv.CreatedAt.IsZero() {
		createdAt = iv.CreatedAt
	}
	err := r.pool.QueryRow(ctx, q,
		iv.ID, iv.OrganizationID, iv.CandidateName, iv.Role, string(iv.Status),
		iv.CheckpointIndex, iv.CheckpointID, createdAt,
	).Scan(&iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert interview: %w", err)
	}
	return nil
}

func (r *InterviewRepo) Get(ctx context.Context, id string) (*model.Interview, error) {
	const q = `
SELECT id, organization_id, candidate_name, role, status, checkpoint_index, checkpoint_id, created_at, updated_at
  FROM interviews WHERE id=$1;`
	var iv model.Interview
	var status string
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&iv.ID, &iv.OrganizationID, &iv.CandidateName, &iv.Role, &status,
		&iv.CheckpointIndex, &iv.CheckpointID, &iv.CreatedAt, &iv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interview.ErrNotFound
		}
		return nil, fmt.Errorf("scan interview: %w", err)
	}
	iv.Status = model.InterviewStatus(status)
	return &iv, nil
}

func (r *InterviewRepo) UpdateStatus(ctx context.Context, id string, status model.InterviewStatus) error {
	const q = `UPDATE interviews SET status=$2, updated_at=NOW() WHERE id=$1;`
	tag, err := r.pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return fmt.Errorf("update interview status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interview.ErrNotFound
	}
	return nil
}

// UpdateCheckpoint 只在新索引更大时写入，乱序完成的旧写入不会回退进度。
func (r *InterviewRepo) UpdateCheckpoint(ctx context.Context, id string, index int, checkpointID string) error {
	const q = `
UPDATE interviews
   SET checkpoint_index = GREATEST(checkpoint_index, $2),
       checkpoint_id    = CASE WHEN $2 > checkpoint_index THEN $3 ELSE checkpoint_id END,
       updated_at       = NOW()
 WHERE id=$1;`
	tag, err := r.pool.Exec(ctx, q, id, index, checkpointID)
	if err != nil {
		return fmt.Errorf("update interview checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interview.ErrNotFound
	}
	return nil
}

// AppendMessage 以消息 ID 为主键写入，重复送达直接忽略。
func (r *InterviewRepo) AppendMessage(ctx context.Context, interviewID string, msg model.Message) error {
	const q = `
INSERT INTO interview_messages (id, interview_id, text, source, sent_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING;`
	_, err := r.pool.Exec(ctx, q, msg.ID, interviewID, msg.Text, string(msg.Source), msg.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return interview.ErrNotFound
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *InterviewRepo) ListMessages(ctx context.Context, interviewID string) ([]model.Message, error) {
	if _, err := r.Get(ctx, interviewID); err != nil {
		return nil, err
	}

	const q = `SELECT id, text, source, sent_at FROM interview_messages WHERE interview_id=$1 ORDER BY sent_at ASC, seq ASC;`
	rows, err := r.pool.Query(ctx, q, interviewID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		var source string
		if err := rows.Scan(&m.ID, &m.Text, &source, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Source = model.MessageSource(source)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}
