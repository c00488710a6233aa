// Package store persists jobs and their status history in Postgres. The job
// row carries a denormalized current status; every status write updates the
// history and the denormalized field in one transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "experiment-scheduler/internal/errors"
	"experiment-scheduler/internal/lifecycle"
	"experiment-scheduler/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Kind              models.JobKind
	ProjectID         string
	ProjectName       string
	UserID            string
	Config            map[string]any
	ConfigFingerprint string
	CodeReference     *models.CodeReference
	Resources         map[string]string
	NodeSelector      map[string]string
}

// CreateJob deduplicates against (project, kind, compiled config, code
// reference) and otherwise inserts a new job with the next per-project
// sequence. The sequence read and the insert happen under a per-project
// advisory lock so concurrent creations for the same project serialize;
// unrelated projects are unaffected. The boolean reports whether an existing
// job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal config: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Scope the lock to this project+kind so sequence assignment for one
	// project never blocks another.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		p.ProjectID+"/"+string(p.Kind)); err != nil {
		return models.Job{}, false, fmt.Errorf("acquire project lock: %w", err)
	}

	var codeRepo, codeCommit string
	if p.CodeReference != nil {
		codeRepo = p.CodeReference.Repo
		codeCommit = p.CodeReference.Commit
	}

	existing, found, err := findDuplicate(ctx, tx, p.ProjectID, p.Kind, p.ConfigFingerprint, codeRepo, codeCommit)
	if err != nil {
		return models.Job{}, false, err
	}
	if found {
		return existing, true, nil
	}

	var sequence int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM jobs WHERE project_id = $1 AND kind = $2
	`, p.ProjectID, p.Kind).Scan(&sequence); err != nil {
		return models.Job{}, false, fmt.Errorf("next sequence: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	resourcesJSON, err := marshalOrNil(p.Resources)
	if err != nil {
		return models.Job{}, false, err
	}
	selectorJSON, err := marshalOrNil(p.NodeSelector)
	if err != nil {
		return models.Job{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, project_id, project_name, user_id, sequence,
			config, config_fingerprint, code_repo, code_commit, resources, node_selector,
			status, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE, $14, $14)
	`, id, p.Kind, p.ProjectID, p.ProjectName, p.UserID, sequence,
		configJSON, p.ConfigFingerprint, emptyToNil(codeRepo), emptyToNil(codeCommit),
		resourcesJSON, selectorJSON, lifecycle.StatusCreated, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	// Seed the history so "current status" always has a backing record.
	_, err = tx.Exec(ctx, `
		INSERT INTO job_statuses (id, job_id, status, message, details, created_at)
		VALUES ($1, $2, $3, NULL, NULL, $4)
	`, uuid.New().String(), id, lifecycle.StatusCreated, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert initial status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:                id,
		Kind:              p.Kind,
		ProjectID:         p.ProjectID,
		ProjectName:       p.ProjectName,
		UserID:            p.UserID,
		Sequence:          sequence,
		Config:            p.Config,
		ConfigFingerprint: p.ConfigFingerprint,
		CodeReference:     p.CodeReference,
		Resources:         p.Resources,
		NodeSelector:      p.NodeSelector,
		Status:            lifecycle.StatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, false, nil
}

func findDuplicate(ctx context.Context, tx pgx.Tx, projectID string, kind models.JobKind, fingerprint, codeRepo, codeCommit string) (models.Job, bool, error) {
	row := tx.QueryRow(ctx, selectJob+`
		WHERE project_id = $1 AND kind = $2 AND config_fingerprint = $3
		  AND COALESCE(code_repo, '') = $4 AND COALESCE(code_commit, '') = $5
	`, projectID, kind, fingerprint, codeRepo, codeCommit)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query duplicate: %w", err)
	}
	return job, true, nil
}

const selectJob = `
	SELECT id, kind, project_id, project_name, user_id, sequence,
		config, config_fingerprint, code_repo, code_commit, resources, node_selector,
		status, archived, created_at, updated_at
	FROM jobs
`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// SetStatus appends a status record and updates the denormalized current
// status atomically. The transition is validated under a row lock, so two
// racing writers cannot both pass the check; an illegal transition is
// rejected with IllegalTransition and nothing is written.
func (s *Store) SetStatus(ctx context.Context, jobID string, status lifecycle.Status, message string, details map[string]any) (models.JobStatus, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current lifecycle.Status
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobStatus{}, apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("lock job row: %w", err)
	}

	if !lifecycle.CanTransition(current, status) {
		return models.JobStatus{}, apperrors.Newf(apperrors.KindIllegalTransition,
			"job %s cannot transition from %s to %s", jobID, current, status)
	}

	detailsJSON, err := marshalOrNilAny(details)
	if err != nil {
		return models.JobStatus{}, err
	}

	record := models.JobStatus{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Status:    status,
		Message:   emptyToNil(message),
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_statuses (id, job_id, status, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.JobID, record.Status, record.Message, detailsJSON, record.CreatedAt)
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("insert status: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		jobID, status, record.CreatedAt)
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("update current status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.JobStatus{}, fmt.Errorf("commit: %w", err)
	}
	return record, nil
}

// ListStatuses returns a job's full status history ordered by creation time.
func (s *Store) ListStatuses(ctx context.Context, jobID string) ([]models.JobStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, status, message, details, created_at
		FROM job_statuses WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()

	var out []models.JobStatus
	for rows.Next() {
		var (
			rec         models.JobStatus
			msg         pgtype.Text
			detailsJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Status, &msg, &detailsJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		rec.Message = textPtr(msg)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &rec.Details); err != nil {
				return nil, fmt.Errorf("unmarshal status details: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetArchived flips the soft archive flag.
func (s *Store) SetArchived(ctx context.Context, jobID string, archived bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET archived = $2, updated_at = NOW() WHERE id = $1
	`, jobID, archived)
	if err != nil {
		return fmt.Errorf("update archived flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", jobID)
	}
	return nil
}

// DeleteJob hard-deletes a job and, via cascade, its status history. Only the
// schedule-deletion consumer calls this.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.KindJobNotFound, "job %s not found", jobID)
	}
	return nil
}

// ListByStatuses returns non-archived jobs currently in any of the given
// statuses. Used by the liveness monitor.
func (s *Store) ListByStatuses(ctx context.Context, statuses []lifecycle.Status) ([]models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, 0, len(statuses))
	for _, st := range statuses {
		vals = append(vals, string(st))
	}
	rows, err := s.pool.Query(ctx, selectJob+` WHERE status = ANY($1) AND NOT archived ORDER BY created_at`, vals)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job          models.Job
		configJSON   []byte
		codeRepo     pgtype.Text
		codeCommit   pgtype.Text
		resourcesRaw []byte
		selectorRaw  []byte
	)
	err := row.Scan(&job.ID, &job.Kind, &job.ProjectID, &job.ProjectName, &job.UserID, &job.Sequence,
		&configJSON, &job.ConfigFingerprint, &codeRepo, &codeCommit, &resourcesRaw, &selectorRaw,
		&job.Status, &job.Archived, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if codeRepo.Valid || codeCommit.Valid {
		job.CodeReference = &models.CodeReference{Repo: codeRepo.String, Commit: codeCommit.String}
	}
	if len(resourcesRaw) > 0 {
		if err := json.Unmarshal(resourcesRaw, &job.Resources); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal resources: %w", err)
		}
	}
	if len(selectorRaw) > 0 {
		if err := json.Unmarshal(selectorRaw, &job.NodeSelector); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal node selector: %w", err)
		}
	}
	return job, nil
}

func marshalOrNil(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	return data, nil
}

func marshalOrNilAny(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	return data, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
