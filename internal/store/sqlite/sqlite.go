package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/model-publisher/internal/store"
	"github.com/nulzo/model-publisher/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	// Create a repository instance that uses the transaction
	txRepo := &SqliteRepository{
		db:       r.db, // Keep the original DB handle
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) PublishedModels() store.PublishedModelRepository {
	return &publishedModelRepo{db: r.executor}
}

func (r *SqliteRepository) APIKeys() store.APIKeyRepository {
	return &apiKeyRepo{db: r.executor}
}

func (r *SqliteRepository) Usage() store.UsageRepository {
	return &usageRepo{db: r.executor}
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

type publishedModelRepo struct {
	db DB
}

func (r *publishedModelRepo) Create(ctx context.Context, pm *model.PublishedModel) error {
	query := `
	INSERT INTO published_models (
		id, tenant_id, model_name, model_type, public_hostname, external_path,
		external_url, api_key_id, requests_per_minute, requests_per_hour,
		tokens_per_hour, burst_limit, require_api_key, allowed_tenants,
		status, warning, created_at, updated_at
	) VALUES (
		:id, :tenant_id, :model_name, :model_type, :public_hostname, :external_path,
		:external_url, :api_key_id, :requests_per_minute, :requests_per_hour,
		:tokens_per_hour, :burst_limit, :require_api_key, :allowed_tenants,
		:status, :warning, :created_at, :updated_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, pm)
	return err
}

func (r *publishedModelRepo) Get(ctx context.Context, tenantID, modelName string) (*model.PublishedModel, error) {
	var pm model.PublishedModel
	query := `SELECT * FROM published_models WHERE tenant_id = ? AND model_name = ?`
	if err := r.db.GetContext(ctx, &pm, query, tenantID, modelName); err != nil {
		return nil, mapNotFound(err)
	}
	return &pm, nil
}

func (r *publishedModelRepo) Update(ctx context.Context, pm *model.PublishedModel) error {
	pm.UpdatedAt = time.Now().UTC()
	query := `
	UPDATE published_models SET
		model_type = :model_type,
		public_hostname = :public_hostname,
		external_path = :external_path,
		external_url = :external_url,
		api_key_id = :api_key_id,
		requests_per_minute = :requests_per_minute,
		requests_per_hour = :requests_per_hour,
		tokens_per_hour = :tokens_per_hour,
		burst_limit = :burst_limit,
		require_api_key = :require_api_key,
		allowed_tenants = :allowed_tenants,
		status = :status,
		warning = :warning,
		updated_at = :updated_at
	WHERE tenant_id = :tenant_id AND model_name = :model_name`
	res, err := r.db.NamedExecContext(ctx, query, pm)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *publishedModelRepo) UpdateStatus(ctx context.Context, tenantID, modelName, status, warning string) error {
	query := `UPDATE published_models SET status = ?, warning = ?, updated_at = ? WHERE tenant_id = ? AND model_name = ?`
	res, err := r.db.ExecContext(ctx, query, status, warning, time.Now().UTC(), tenantID, modelName)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *publishedModelRepo) Delete(ctx context.Context, tenantID, modelName string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM published_models WHERE tenant_id = ? AND model_name = ?`, tenantID, modelName)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *publishedModelRepo) ListByTenant(ctx context.Context, tenantID string) ([]model.PublishedModel, error) {
	var models []model.PublishedModel
	query := `SELECT * FROM published_models WHERE tenant_id = ? ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &models, query, tenantID)
	return models, err
}

func (r *publishedModelRepo) ListAll(ctx context.Context) ([]model.PublishedModel, error) {
	var models []model.PublishedModel
	err := r.db.SelectContext(ctx, &models, `SELECT * FROM published_models ORDER BY tenant_id, created_at DESC`)
	return models, err
}

type apiKeyRepo struct {
	db DB
}

func (r *apiKeyRepo) Create(ctx context.Context, key *model.APIKey) error {
	query := `
	INSERT INTO api_keys (id, tenant_id, model_name, key_hash, key_prefix, is_active, created_at)
	VALUES (:id, :tenant_id, :model_name, :key_hash, :key_prefix, :is_active, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, key)
	return err
}

func (r *apiKeyRepo) GetActive(ctx context.Context, tenantID, modelName string) (*model.APIKey, error) {
	var key model.APIKey
	// active check is part of the query for speed
	query := `SELECT * FROM api_keys WHERE tenant_id = ? AND model_name = ? AND is_active = 1`
	if err := r.db.GetContext(ctx, &key, query, tenantID, modelName); err != nil {
		return nil, mapNotFound(err)
	}
	return &key, nil
}

func (r *apiKeyRepo) Revoke(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET is_active = 0, revoked_at = ? WHERE id = ? AND is_active = 1`
	res, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type usageRepo struct {
	db DB
}

func (r *usageRepo) Upsert(ctx context.Context, rec *model.UsageRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	query := `
	INSERT INTO usage_records (tenant_id, model_name, total_requests, total_tokens, errors, last_used, updated_at)
	VALUES (:tenant_id, :model_name, :total_requests, :total_tokens, :errors, :last_used, :updated_at)
	ON CONFLICT(tenant_id, model_name) DO UPDATE SET
		total_requests = excluded.total_requests,
		total_tokens = excluded.total_tokens,
		errors = excluded.errors,
		last_used = excluded.last_used,
		updated_at = excluded.updated_at`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	return err
}

func (r *usageRepo) Get(ctx context.Context, tenantID, modelName string) (*model.UsageRecord, error) {
	var rec model.UsageRecord
	query := `SELECT * FROM usage_records WHERE tenant_id = ? AND model_name = ?`
	if err := r.db.GetContext(ctx, &rec, query, tenantID, modelName); err != nil {
		return nil, mapNotFound(err)
	}
	return &rec, nil
}
