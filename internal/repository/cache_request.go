package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// CacheRequestRepository — интерфейс доступа к таблице cache_requests.
type CacheRequestRepository interface {
	// Create создаёт запрос; ErrConflict, если запрос на checksum уже есть.
	Create(ctx context.Context, req *model.CacheRequest) error
	// GetByChecksum возвращает запрос восстановления файла.
	GetByChecksum(ctx context.Context, checksum string) (*model.CacheRequest, error)
	// Merge присоединяет группу к существующему запросу, продлевает срок
	// и переоткрывает запрос в ERROR. reopened — запрос был в ERROR.
	Merge(ctx context.Context, checksum, groupID string, expiration time.Time) (req *model.CacheRequest, reopened bool, err error)
	// SelectRunnable выбирает TO_DO запросы хранилища.
	SelectRunnable(ctx context.Context, storageID string, limit int) ([]*model.CacheRequest, error)
	// ClaimRunning переводит TO_DO → RUNNING и возвращает ID захваченных запросов.
	ClaimRunning(ctx context.Context, ids []int64) ([]int64, error)
	// RunningSize возвращает суммарный размер выполняющихся восстановлений.
	RunningSize(ctx context.Context) (int64, error)
	// MarkError переводит запрос в ERROR с причиной.
	MarkError(ctx context.Context, id int64, cause string) (bool, error)
	// Delete удаляет запрос.
	Delete(ctx context.Context, id int64) error
	// ReopenErrors переводит ERROR → TO_DO по фильтру (владельцы не поддерживаются).
	ReopenErrors(ctx context.Context, f RequestFilter) ([]*model.CacheRequest, error)
	// DetachGroup отсоединяет группу от запросов; невыполняющиеся запросы
	// без групп удаляются. Возвращает затронутые запросы до изменения.
	DetachGroup(ctx context.Context, groupID string) ([]*model.CacheRequest, error)
	// FailStale переводит в ERROR запросы RUNNING, не обновлявшиеся с before:
	// их задание потеряно (аварийная остановка или таймаут завершения).
	FailStale(ctx context.Context, before time.Time, cause string) ([]*model.CacheRequest, error)
	// List возвращает запросы по фильтру.
	List(ctx context.Context, f RequestFilter) ([]*model.CacheRequest, error)
}

// cacheRequestRepo — реализация CacheRequestRepository.
type cacheRequestRepo struct {
	db DBTX
}

// NewCacheRequestRepository создаёт репозиторий запросов восстановления.
func NewCacheRequestRepository(db DBTX) CacheRequestRepository {
	return &cacheRequestRepo{db: db}
}

const cacheRequestColumns = `id, checksum, storage_id, file_ref_id, physical_uri, size, expiration,
	group_ids, session_owner, session, status, error_cause, retry_count, created_at, updated_at`

func scanCacheRequest(row pgx.Row) (*model.CacheRequest, error) {
	r := &model.CacheRequest{}
	var status string
	err := row.Scan(
		&r.ID, &r.Checksum, &r.StorageID, &r.FileRefID, &r.PhysicalURI, &r.Size, &r.Expiration,
		&r.GroupIDs, &r.SessionOwner, &r.Session, &status, &r.ErrorCause, &r.RetryCount,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	return r, nil
}

func collectCacheRequests(rows pgx.Rows) ([]*model.CacheRequest, error) {
	defer rows.Close()
	var result []*model.CacheRequest
	for rows.Next() {
		r, err := scanCacheRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса восстановления: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (r *cacheRequestRepo) Create(ctx context.Context, req *model.CacheRequest) error {
	query := `
		INSERT INTO cache_requests (checksum, storage_id, file_ref_id, physical_uri, size, expiration,
			group_ids, session_owner, session, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	if req.Status == "" {
		req.Status = model.StatusToDo
	}
	groups := req.GroupIDs
	if groups == nil {
		groups = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		req.Checksum, req.StorageID, req.FileRefID, req.PhysicalURI, req.Size, req.Expiration,
		groups, req.SessionOwner, req.Session, string(req.Status),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос восстановления %s", ErrConflict, req.Checksum)
		}
		return fmt.Errorf("ошибка создания запроса восстановления: %w", err)
	}
	return nil
}

func (r *cacheRequestRepo) GetByChecksum(ctx context.Context, checksum string) (*model.CacheRequest, error) {
	query := `SELECT ` + cacheRequestColumns + ` FROM cache_requests WHERE checksum = $1`

	req, err := scanCacheRequest(r.db.QueryRow(ctx, query, checksum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса восстановления: %w", err)
	}
	return req, nil
}

func (r *cacheRequestRepo) Merge(ctx context.Context, checksum, groupID string, expiration time.Time) (*model.CacheRequest, bool, error) {
	query := `
		WITH prev AS (
			SELECT id, status FROM cache_requests WHERE checksum = $1 FOR UPDATE
		)
		UPDATE cache_requests c
		SET group_ids = CASE WHEN $2 = ANY(c.group_ids) THEN c.group_ids ELSE array_append(c.group_ids, $2) END,
			expiration = GREATEST(c.expiration, $3),
			status = CASE WHEN c.status = 'ERROR' THEN 'TO_DO' ELSE c.status END,
			error_cause = CASE WHEN c.status = 'ERROR' THEN '' ELSE c.error_cause END,
			retry_count = CASE WHEN c.status = 'ERROR' THEN c.retry_count + 1 ELSE c.retry_count END,
			updated_at = NOW()
		FROM prev
		WHERE c.id = prev.id
		RETURNING ` + prefixColumns("c.", cacheRequestColumns) + `, prev.status = 'ERROR'`

	row := r.db.QueryRow(ctx, query, checksum, groupID, expiration)

	req := &model.CacheRequest{}
	var status string
	var reopened bool
	err := row.Scan(
		&req.ID, &req.Checksum, &req.StorageID, &req.FileRefID, &req.PhysicalURI, &req.Size, &req.Expiration,
		&req.GroupIDs, &req.SessionOwner, &req.Session, &status, &req.ErrorCause, &req.RetryCount,
		&req.CreatedAt, &req.UpdatedAt, &reopened,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("ошибка объединения запроса восстановления: %w", err)
	}
	req.Status = model.RequestStatus(status)
	return req, reopened, nil
}

func (r *cacheRequestRepo) SelectRunnable(ctx context.Context, storageID string, limit int) ([]*model.CacheRequest, error) {
	query := `SELECT ` + cacheRequestColumns + `
		FROM cache_requests
		WHERE storage_id = $1 AND status = 'TO_DO'
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, storageID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выбора запросов восстановления: %w", err)
	}
	return collectCacheRequests(rows)
}

func (r *cacheRequestRepo) ClaimRunning(ctx context.Context, ids []int64) ([]int64, error) {
	return claimRunning(ctx, r.db, "cache_requests", ids)
}

func (r *cacheRequestRepo) RunningSize(ctx context.Context) (int64, error) {
	var size int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_requests WHERE status = 'RUNNING'`,
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("ошибка расчёта размера восстановлений: %w", err)
	}
	return size, nil
}

func (r *cacheRequestRepo) MarkError(ctx context.Context, id int64, cause string) (bool, error) {
	return markError(ctx, r.db, "cache_requests", id, cause)
}

func (r *cacheRequestRepo) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db, "cache_requests", id)
}

func (r *cacheRequestRepo) ReopenErrors(ctx context.Context, f RequestFilter) ([]*model.CacheRequest, error) {
	f.Status = model.StatusError
	where, args := buildRequestWhere(f, "", true, 1)

	query := fmt.Sprintf(`
		UPDATE cache_requests
		SET status = 'TO_DO', error_cause = '', retry_count = retry_count + 1, updated_at = NOW()
		%s
		RETURNING `+cacheRequestColumns, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка повтора запросов восстановления: %w", err)
	}
	return collectCacheRequests(rows)
}

func (r *cacheRequestRepo) FailStale(ctx context.Context, before time.Time, cause string) ([]*model.CacheRequest, error) {
	rows, err := r.db.Query(ctx, failStaleQuery("cache_requests", cacheRequestColumns), before, cause)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода зависших запросов восстановления в ERROR: %w", err)
	}
	return collectCacheRequests(rows)
}

func (r *cacheRequestRepo) DetachGroup(ctx context.Context, groupID string) ([]*model.CacheRequest, error) {
	query := `
		UPDATE cache_requests
		SET group_ids = array_remove(group_ids, $1), updated_at = NOW()
		WHERE $1 = ANY(group_ids)
		RETURNING ` + cacheRequestColumns

	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("ошибка отсоединения группы от запросов восстановления: %w", err)
	}
	detached, err := collectCacheRequests(rows)
	if err != nil {
		return nil, err
	}

	if _, err := r.db.Exec(ctx, `
		DELETE FROM cache_requests
		WHERE cardinality(group_ids) = 0 AND status <> 'RUNNING'`); err != nil {
		return nil, fmt.Errorf("ошибка удаления запросов восстановления без групп: %w", err)
	}
	return detached, nil
}

func (r *cacheRequestRepo) List(ctx context.Context, f RequestFilter) ([]*model.CacheRequest, error) {
	where, args := buildRequestWhere(f, "", true, 1)
	query := fmt.Sprintf(`SELECT `+cacheRequestColumns+`
		FROM cache_requests
		%s
		ORDER BY id
		%s`, where, limitClause(f.Limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения запросов восстановления: %w", err)
	}
	return collectCacheRequests(rows)
}

// prefixColumns добавляет префикс таблицы к списку колонок.
func prefixColumns(prefix, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = prefix + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
