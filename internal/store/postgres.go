package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

const jobColumns = `id, owner_id, status, total_items, completed_count, failed_count, progress_percentage,
	params, error_message, version, created_at, started_at, completed_at, updated_at`

const itemColumns = `id, job_id, owner_id, style_id, platform, aspect_ratio, position, status, task_handle,
	result_ref, error_message, retry_count, claim_token, version, started_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OwnerID, &j.Status, &j.TotalItems, &j.CompletedCount, &j.FailedCount,
		&j.ProgressPercentage, &j.Params, &j.ErrorMessage, &j.Version, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanItem(row pgx.Row) (*models.JobItem, error) {
	var i models.JobItem
	err := row.Scan(&i.ID, &i.JobID, &i.OwnerID, &i.Variant.StyleID, &i.Variant.Platform, &i.Variant.AspectRatio,
		&i.Position, &i.Status, &i.TaskHandle, &i.ResultRef, &i.ErrorMessage, &i.RetryCount, &i.ClaimToken,
		&i.Version, &i.StartedAt, &i.CompletedAt, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func collectItems(rows pgx.Rows) ([]*models.JobItem, error) {
	defer rows.Close()
	var items []*models.JobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, items []*models.JobItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, status, total_items, completed_count, failed_count, progress_percentage,
		                   params, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6, $7, $8)`,
		job.ID, job.OwnerID, job.Status, job.TotalItems, job.Params, job.Version, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(
			`INSERT INTO job_items (id, job_id, owner_id, style_id, platform, aspect_ratio, position, status,
			                        retry_count, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)`,
			it.ID, it.JobID, it.OwnerID, it.Variant.StyleID, it.Variant.Platform, it.Variant.AspectRatio,
			it.Position, it.Status, it.Version, it.CreatedAt, it.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create job items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = $1`
	args := []any{filter.OwnerID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, NormalizeLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkJobGenerating(ctx context.Context, id uuid.UUID) (*models.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'generating', started_at = COALESCE(started_at, NOW()),
		        updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("mark job generating: %w", err)
	}
	current, err := s.GetJobByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = NOW(), updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND owner_id = $2 AND status IN ('pending', 'generating')
		 RETURNING `+jobColumns, id, ownerID))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	current, err := s.GetJob(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, models.JobStatusCancelled)
}

var aggregateTransitionSQL = transitionPredicate("status", "$2::text")

func (s *PostgresStore) UpdateJobAggregate(ctx context.Context, id uuid.UUID, agg models.JobAggregate) (*models.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $2, completed_count = $3, failed_count = $4, progress_percentage = $5,
		        error_message = $6,
		        completed_at = CASE WHEN $2 IN ('completed', 'failed', 'partial', 'cancelled')
		                            THEN COALESCE(completed_at, NOW()) ELSE completed_at END,
		        updated_at = NOW(), version = version + 1
		 WHERE id = $1
		   AND completed_count + failed_count <= $3 + $4
		   AND `+aggregateTransitionSQL+`
		   AND (status, completed_count, failed_count, progress_percentage, error_message)
		       IS DISTINCT FROM ($2::text, $3::int, $4::int, $5::int, $6::text)
		 RETURNING `+jobColumns,
		id, agg.Status, agg.CompletedCount, agg.FailedCount, agg.ProgressPercentage, agg.ErrorMessage))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("update job aggregate: %w", err)
	}
	current, err := s.GetJobByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`DELETE FROM jobs WHERE id = $1 AND owner_id = $2 RETURNING `+jobColumns, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsWithPendingItems(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT j.id FROM jobs j
		 WHERE j.status IN ('pending', 'generating')
		   AND EXISTS (SELECT 1 FROM job_items i WHERE i.job_id = j.id AND i.status = 'pending')
		 ORDER BY j.created_at
		 LIMIT $1`, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs with pending items: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListFinishedJobsBefore(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('completed', 'partial') AND completed_at < $1
		 ORDER BY completed_at
		 LIMIT $2`, before, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list finished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Items ---

func (s *PostgresStore) ListItems(ctx context.Context, jobID uuid.UUID) ([]*models.JobItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM job_items WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	return collectItems(rows)
}

func (s *PostgresStore) ListPendingItems(ctx context.Context, jobID uuid.UUID, limit int) ([]*models.JobItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM job_items
		 WHERE job_id = $1 AND status = 'pending'
		 ORDER BY position
		 LIMIT $2`, jobID, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return collectItems(rows)
}

func (s *PostgresStore) ClaimItem(ctx context.Context, id uuid.UUID, token uuid.UUID) (*models.JobItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`UPDATE job_items SET status = 'processing', claim_token = $2, task_handle = NULL,
		        started_at = NOW(), updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND status = 'pending'
		   AND EXISTS (SELECT 1 FROM jobs j WHERE j.id = job_items.job_id AND j.status <> 'cancelled')
		 RETURNING `+itemColumns, id, token))
	return s.itemWriteResult(ctx, id, item, err, "claim item")
}

func (s *PostgresStore) RecordTaskHandle(ctx context.Context, id uuid.UUID, token uuid.UUID, handle string) (*models.JobItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`UPDATE job_items SET task_handle = $3, updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND status = 'processing' AND claim_token = $2
		 RETURNING `+itemColumns, id, token, handle))
	return s.itemWriteResult(ctx, id, item, err, "record task handle")
}

func (s *PostgresStore) CompleteItem(ctx context.Context, id uuid.UUID, token uuid.UUID, resultRef string) (*models.JobItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`UPDATE job_items SET status = 'completed', result_ref = $3, error_message = NULL, claim_token = NULL,
		        completed_at = NOW(), updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND status = 'processing' AND claim_token = $2
		 RETURNING `+itemColumns, id, token, resultRef))
	return s.itemWriteResult(ctx, id, item, err, "complete item")
}

func (s *PostgresStore) FailItem(ctx context.Context, id uuid.UUID, token uuid.UUID, errMsg string, terminal bool) (*models.JobItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`UPDATE job_items SET retry_count = retry_count + 1, error_message = $3, claim_token = NULL,
		        status = CASE WHEN $4::boolean THEN 'failed' ELSE 'pending' END,
		        completed_at = CASE WHEN $4::boolean THEN NOW() ELSE NULL END,
		        task_handle = CASE WHEN $4::boolean THEN task_handle ELSE NULL END,
		        updated_at = NOW(), version = version + 1
		 WHERE id = $1 AND status = 'processing' AND claim_token = $2
		 RETURNING `+itemColumns, id, token, errMsg, terminal))
	return s.itemWriteResult(ctx, id, item, err, "fail item")
}

func (s *PostgresStore) RequeueStaleItems(ctx context.Context, startedBefore time.Time) ([]*models.JobItem, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE job_items SET status = 'pending', claim_token = NULL, task_handle = NULL,
		        updated_at = NOW(), version = version + 1
		 WHERE status = 'processing' AND started_at < $1
		 RETURNING `+itemColumns, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("requeue stale items: %w", err)
	}
	return collectItems(rows)
}

// itemWriteResult turns a conditional item update that matched no row into
// ErrOrphanedItem or ErrNotClaimed.
func (s *PostgresStore) itemWriteResult(ctx context.Context, id uuid.UUID, item *models.JobItem, err error, op string) (*models.JobItem, error) {
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_items WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s: check item: %w", op, err)
	}
	if !exists {
		return nil, ErrOrphanedItem
	}
	return nil, ErrNotClaimed
}

// --- Gallery ---

func (s *PostgresStore) AddGalleryImages(ctx context.Context, job *models.Job, items []*models.JobItem) (int, error) {
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, it := range items {
		if it.Status != models.ItemStatusCompleted || it.ResultRef == nil {
			continue
		}
		batch.Queue(
			`INSERT INTO gallery_images (id, owner_id, job_id, item_id, image_url, style_id, platform, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (item_id) DO NOTHING`,
			uuid.New(), job.OwnerID, job.ID, it.ID, *it.ResultRef, it.Variant.StyleID, it.Variant.Platform, now)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	added := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return added, fmt.Errorf("add gallery image: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

func (s *PostgresStore) ListGallery(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.GalleryImage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, job_id, item_id, image_url, style_id, platform, created_at
		 FROM gallery_images WHERE owner_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		ownerID, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list gallery: %w", err)
	}
	defer rows.Close()

	images := []*models.GalleryImage{}
	for rows.Next() {
		var g models.GalleryImage
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.JobID, &g.ItemID, &g.ImageURL, &g.StyleID, &g.Platform, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan gallery image: %w", err)
		}
		images = append(images, &g)
	}
	return images, rows.Err()
}

// --- Provider credentials ---

func (s *PostgresStore) GetProviderCredential(ctx context.Context, ownerID uuid.UUID, provider string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sealed_key FROM provider_credentials WHERE owner_id = $1 AND provider = $2`,
		ownerID, provider).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider credential: %w", err)
	}
	return sealed, nil
}

func (s *PostgresStore) PutProviderCredential(ctx context.Context, ownerID uuid.UUID, provider string, sealed []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_credentials (owner_id, provider, sealed_key, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (owner_id, provider) DO UPDATE SET sealed_key = EXCLUDED.sealed_key, updated_at = NOW()`,
		ownerID, provider, sealed)
	if err != nil {
		return fmt.Errorf("put provider credential: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
