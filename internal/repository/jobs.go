package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/common"
	"github.com/joseph-ayodele/replay-fetcher/internal/entity"
)

// JobRepository is the durable queue of replay download jobs.
type JobRepository interface {
	// ClaimNext atomically moves one eligible pending job to processing.
	// It returns nil, nil when no job is eligible.
	ClaimNext(ctx context.Context) (*entity.Job, error)
	MarkDownloaded(ctx context.Context, id int64, path string) error
	MarkError(ctx context.Context, id int64) error
	MarkPending(ctx context.Context, id int64) error

	ListFeedbackReady(ctx context.Context) ([]*entity.Job, error)
	MarkFeedbackSent(ctx context.Context, id int64) error

	Enqueue(ctx context.Context, userID int64, shareCode string) (*entity.Job, error)
	Get(ctx context.Context, id int64) (*entity.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*entity.Job, error)
	Requeue(ctx context.Context, id int64) error
	// ReclaimStale moves processing rows untouched for olderThan back to
	// pending and returns their ids.
	ReclaimStale(ctx context.Context, olderThan time.Duration) ([]int64, error)
}

// JobFilter narrows List. Zero values mean "no restriction".
type JobFilter struct {
	Statuses []constants.JobStatus
	UserID   int64
	Limit    int
}

var jobColumns = []string{
	"id", "share_code", "user_id", "status", "file_path",
	"coach_tip", "tip_sent", "created_at", "updated_at",
}

type jobRepo struct {
	drv    *entsql.Driver
	logger *slog.Logger
	now    func() time.Time
}

func NewJobRepository(drv *entsql.Driver, logger *slog.Logger) JobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobRepo{drv: drv, logger: logger, now: time.Now}
}

func (r *jobRepo) builder() *entsql.DialectBuilder {
	return entsql.Dialect(r.drv.Dialect())
}

// claimSelector picks the oldest user-latest pending row whose user has
// nothing in processing. Older pending rows of the same user are never
// eligible while a newer one is pending.
func (r *jobRepo) claimSelector() *entsql.Selector {
	b := r.builder()
	t := b.Table(JobsTable).As("m")
	columns := make([]string, len(jobColumns))
	for i, c := range jobColumns {
		columns[i] = t.C(c)
	}
	latestForUser := fmt.Sprintf(
		"%s = (SELECT MAX(p.id) FROM %s p WHERE p.user_id = %s AND p.status = '%s')",
		t.C("id"), JobsTable, t.C("user_id"), constants.JobStatusPending,
	)
	noneProcessing := fmt.Sprintf(
		"NOT EXISTS (SELECT 1 FROM %s q WHERE q.user_id = %s AND q.status = '%s')",
		JobsTable, t.C("user_id"), constants.JobStatusProcessing,
	)
	sel := b.Select(columns...).
		From(t).
		Where(entsql.And(
			entsql.EQ(t.C("status"), string(constants.JobStatusPending)),
			entsql.ExprP(latestForUser),
			entsql.ExprP(noneProcessing),
		)).
		OrderBy(t.C("id")).
		Limit(1)
	if r.drv.Dialect() == dialect.Postgres {
		sel.ForUpdate(entsql.WithLockAction(entsql.SkipLocked))
	}
	return sel
}

func (r *jobRepo) ClaimNext(ctx context.Context) (job *entity.Job, err error) {
	tx, err := r.drv.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, common.DatabaseError("begin claim", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("claim rollback failed", "error", rbErr)
			}
		}
	}()

	query, args := r.claimSelector().Query()
	job, err = scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("claim select failed", "error", err)
		return nil, common.DatabaseError("claim select", err)
	}

	now := r.now().UTC()
	query, args = r.builder().Update(JobsTable).
		Set("status", string(constants.JobStatusProcessing)).
		Set("updated_at", now).
		Where(entsql.And(
			entsql.EQ("id", job.ID),
			entsql.EQ("status", string(constants.JobStatusPending)),
		)).
		Query()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("claim update failed", "job_id", job.ID, "error", err)
		return nil, common.DatabaseError("claim update", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Another claimer moved the row between our read and write.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		r.logger.Error("claim commit failed", "job_id", job.ID, "error", err)
		return nil, common.DatabaseError("claim commit", err)
	}
	committed = true

	job.Status = constants.JobStatusProcessing
	job.UpdatedAt = now
	r.logger.Info("job claimed", "job_id", job.ID, "user_id", job.UserID)
	return job, nil
}

func (r *jobRepo) MarkDownloaded(ctx context.Context, id int64, path string) error {
	return r.update(ctx, "mark downloaded", id, nil, map[string]any{
		"status":    string(constants.JobStatusDownloaded),
		"file_path": path,
	})
}

func (r *jobRepo) MarkError(ctx context.Context, id int64) error {
	return r.update(ctx, "mark error", id, nil, map[string]any{
		"status": string(constants.JobStatusError),
	})
}

// MarkPending only reverts rows that are still processing (or already pending),
// so a late requeue can never undo a completed download.
func (r *jobRepo) MarkPending(ctx context.Context, id int64) error {
	guard := []constants.JobStatus{constants.JobStatusProcessing, constants.JobStatusPending}
	return r.update(ctx, "mark pending", id, guard, map[string]any{
		"status": string(constants.JobStatusPending),
	})
}

// Requeue re-submits a failed job.
func (r *jobRepo) Requeue(ctx context.Context, id int64) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != constants.JobStatusError && job.Status != constants.JobStatusPending {
		return common.NewAppError("INVALID_STATE",
			fmt.Sprintf("job %d is %s; only error jobs can be requeued", id, job.Status), common.ErrInvalidInput)
	}
	guard := []constants.JobStatus{constants.JobStatusError, constants.JobStatusPending}
	return r.update(ctx, "requeue", id, guard, map[string]any{
		"status":    string(constants.JobStatusPending),
		"file_path": nil,
	})
}

func (r *jobRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	stale, err := r.staleProcessing(ctx, r.now().UTC().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	guard := []constants.JobStatus{constants.JobStatusProcessing}
	reclaimed := make([]int64, 0, len(stale))
	for _, id := range stale {
		if err := r.update(ctx, "reclaim stale", id, guard, map[string]any{
			"status": string(constants.JobStatusPending),
		}); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, id)
	}
	if len(reclaimed) > 0 {
		r.logger.Warn("stale processing jobs reclaimed", "job_ids", reclaimed, "older_than", olderThan)
	}
	return reclaimed, nil
}

// staleProcessing lists processing ids last updated before cutoff. The rows
// are closed before returning so the SQLite connection is free for updates.
func (r *jobRepo) staleProcessing(ctx context.Context, cutoff time.Time) ([]int64, error) {
	b := r.builder()
	query, args := b.Select("id", "updated_at").
		From(b.Table(JobsTable)).
		Where(entsql.EQ("status", string(constants.JobStatusProcessing))).
		OrderBy("id").
		Query()
	rows, err := r.drv.DB().QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("list processing jobs failed", "error", err)
		return nil, common.DatabaseError("list processing", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var (
			id int64
			at dbTime
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, common.DatabaseError("scan processing", err)
		}
		if at.Time.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, common.DatabaseError("list processing", err)
	}
	return ids, nil
}

func (r *jobRepo) MarkFeedbackSent(ctx context.Context, id int64) error {
	return r.update(ctx, "mark feedback sent", id, nil, map[string]any{
		"tip_sent": true,
		"status":   string(constants.JobStatusNotified),
	})
}

func (r *jobRepo) update(ctx context.Context, op string, id int64, guard []constants.JobStatus, values map[string]any) error {
	u := r.builder().Update(JobsTable)
	for _, col := range sortedKeys(values) {
		if values[col] == nil {
			u.SetNull(col)
			continue
		}
		u.Set(col, values[col])
	}
	u.Set("updated_at", r.now().UTC())

	where := entsql.EQ("id", id)
	if len(guard) > 0 {
		where = entsql.And(where, entsql.In("status", statusArgs(guard)...))
	}
	query, args := u.Where(where).Query()
	if _, err := r.drv.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("job "+op+" failed", "job_id", id, "error", err)
		return common.DatabaseError(op, err)
	}
	r.logger.Debug("job "+op, "job_id", id)
	return nil
}

func (r *jobRepo) ListFeedbackReady(ctx context.Context) ([]*entity.Job, error) {
	query, args := r.builder().Select(jobColumns...).
		From(r.builder().Table(JobsTable)).
		Where(entsql.And(
			entsql.In("status", statusArgs(constants.FeedbackReadyStatuses)...),
			entsql.NotNull("coach_tip"),
			entsql.NEQ("coach_tip", ""),
			entsql.EQ("tip_sent", false),
		)).
		OrderBy("id").
		Query()
	return r.query(ctx, "list feedback ready", query, args)
}

func (r *jobRepo) Enqueue(ctx context.Context, userID int64, shareCode string) (*entity.Job, error) {
	shareCode = strings.TrimSpace(shareCode)
	v := common.NewValidator().
		Field("user_id", userID, common.Positive).
		Field("share_code", shareCode, common.Required, common.ShareCode)
	if err := v.Error(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	ins := r.builder().Insert(JobsTable).
		Columns("share_code", "user_id", "status", "tip_sent", "created_at", "updated_at").
		Values(shareCode, userID, string(constants.JobStatusPending), false, now, now)

	var id int64
	if r.drv.Dialect() == dialect.Postgres {
		query, args := ins.Returning("id").Query()
		if err := r.drv.DB().QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			r.logger.Error("job enqueue failed", "user_id", userID, "error", err)
			return nil, common.DatabaseError("enqueue", err)
		}
	} else {
		query, args := ins.Query()
		res, err := r.drv.DB().ExecContext(ctx, query, args...)
		if err != nil {
			r.logger.Error("job enqueue failed", "user_id", userID, "error", err)
			return nil, common.DatabaseError("enqueue", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, common.DatabaseError("enqueue last insert id", err)
		}
	}

	r.logger.Info("job enqueued", "job_id", id, "user_id", userID)
	return &entity.Job{
		ID:        id,
		ShareCode: shareCode,
		UserID:    userID,
		Status:    constants.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *jobRepo) Get(ctx context.Context, id int64) (*entity.Job, error) {
	query, args := r.builder().Select(jobColumns...).
		From(r.builder().Table(JobsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	job, err := scanJob(r.drv.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewAppError("NOT_FOUND", fmt.Sprintf("job %d", id), common.ErrNotFound)
	}
	if err != nil {
		return nil, common.DatabaseError("get job", err)
	}
	return job, nil
}

func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*entity.Job, error) {
	sel := r.builder().Select(jobColumns...).From(r.builder().Table(JobsTable))
	var preds []*entsql.Predicate
	if len(filter.Statuses) > 0 {
		preds = append(preds, entsql.In("status", statusArgs(filter.Statuses)...))
	}
	if filter.UserID != 0 {
		preds = append(preds, entsql.EQ("user_id", filter.UserID))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc("id"))
	if filter.Limit > 0 {
		sel.Limit(filter.Limit)
	}
	query, args := sel.Query()
	return r.query(ctx, "list jobs", query, args)
}

func (r *jobRepo) query(ctx context.Context, op, query string, args []any) ([]*entity.Job, error) {
	rows, err := r.drv.DB().QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error(op+" failed", "error", err)
		return nil, common.DatabaseError(op, err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, common.DatabaseError(op+" scan", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, common.DatabaseError(op, err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*entity.Job, error) {
	var (
		job                entity.Job
		status             string
		filePath, coachTip sql.NullString
		createdAt          dbTime
		updatedAt          dbTime
	)
	if err := s.Scan(&job.ID, &job.ShareCode, &job.UserID, &status, &filePath,
		&coachTip, &job.TipSent, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	if filePath.Valid {
		job.FilePath = &filePath.String
	}
	if coachTip.Valid {
		job.CoachTip = &coachTip.String
	}
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time
	return &job, nil
}

func statusArgs(statuses []constants.JobStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
