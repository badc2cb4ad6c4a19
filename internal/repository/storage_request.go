package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// StorageRequestRepository — интерфейс доступа к таблице storage_requests.
type StorageRequestRepository interface {
	// Create создаёт запрос; ErrConflict, если запрос (checksum, storage, owner) уже есть.
	Create(ctx context.Context, req *model.StorageRequest) error
	// GetByKey возвращает запрос по (checksum, storage, owner).
	GetByKey(ctx context.Context, checksum, storageID, owner string) (*model.StorageRequest, error)
	// ListInFlight возвращает запросы TO_DO/RUNNING на (checksum, storage).
	ListInFlight(ctx context.Context, checksum, storageID string) ([]*model.StorageRequest, error)
	// Reopen переводит запрос ERROR → TO_DO с данными нового поступления.
	// Возвращает false, если запрос уже не в ERROR.
	Reopen(ctx context.Context, req *model.StorageRequest) (bool, error)
	// SelectRunnable выбирает TO_DO запросы хранилища, отсрочка которых истекла.
	SelectRunnable(ctx context.Context, storageID string, now time.Time, limit int) ([]*model.StorageRequest, error)
	// ClaimRunning переводит TO_DO → RUNNING и возвращает ID реально захваченных запросов.
	ClaimRunning(ctx context.Context, ids []int64) ([]int64, error)
	// Postpone откладывает TO_DO запрос до until и увеличивает счётчик отсрочек.
	Postpone(ctx context.Context, id int64, until time.Time) error
	// MarkError переводит запрос в ERROR с причиной.
	MarkError(ctx context.Context, id int64, cause string) (bool, error)
	// Delete удаляет запрос (успешное завершение).
	Delete(ctx context.Context, id int64) error
	// ReopenErrors переводит ERROR → TO_DO по фильтру и возвращает открытые запросы.
	ReopenErrors(ctx context.Context, f RequestFilter) ([]*model.StorageRequest, error)
	// FailPending переводит TO_DO запросы группы в ERROR.
	FailPending(ctx context.Context, groupID, cause string) ([]*model.StorageRequest, error)
	// FailStale переводит в ERROR запросы RUNNING, не обновлявшиеся с before:
	// их задание потеряно (аварийная остановка или таймаут завершения).
	FailStale(ctx context.Context, before time.Time, cause string) ([]*model.StorageRequest, error)
	// List возвращает запросы по фильтру.
	List(ctx context.Context, f RequestFilter) ([]*model.StorageRequest, error)
}

// storageRequestRepo — реализация StorageRequestRepository.
type storageRequestRepo struct {
	db DBTX
}

// NewStorageRequestRepository создаёт репозиторий запросов на сохранение.
func NewStorageRequestRepository(db DBTX) StorageRequestRepository {
	return &storageRequestRepo{db: db}
}

const storageRequestColumns = `id, checksum, algorithm, filename, mime_type, size, origin_uri,
	storage_id, owner, session_owner, session, group_id, status, error_cause, retry_count,
	delayed_until, postponed, created_at, updated_at`

func scanStorageRequest(row pgx.Row) (*model.StorageRequest, error) {
	r := &model.StorageRequest{}
	var status string
	err := row.Scan(
		&r.ID, &r.Checksum, &r.Algorithm, &r.Filename, &r.MimeType, &r.Size, &r.OriginURI,
		&r.StorageID, &r.Owner, &r.SessionOwner, &r.Session, &r.GroupID, &status, &r.ErrorCause, &r.RetryCount,
		&r.DelayedUntil, &r.Postponed, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	return r, nil
}

func collectStorageRequests(rows pgx.Rows) ([]*model.StorageRequest, error) {
	defer rows.Close()
	var result []*model.StorageRequest
	for rows.Next() {
		r, err := scanStorageRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса сохранения: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (r *storageRequestRepo) Create(ctx context.Context, req *model.StorageRequest) error {
	query := `
		INSERT INTO storage_requests (checksum, algorithm, filename, mime_type, size, origin_uri,
			storage_id, owner, session_owner, session, group_id, status, delayed_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	if req.Status == "" {
		req.Status = model.StatusToDo
	}

	err := r.db.QueryRow(ctx, query,
		req.Checksum, req.Algorithm, req.Filename, req.MimeType, req.Size, req.OriginURI,
		req.StorageID, req.Owner, req.SessionOwner, req.Session, req.GroupID, string(req.Status),
		nullTime(req.DelayedUntil),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос сохранения %s/%s для %s", ErrConflict, req.StorageID, req.Checksum, req.Owner)
		}
		return fmt.Errorf("ошибка создания запроса сохранения: %w", err)
	}
	return nil
}

func (r *storageRequestRepo) GetByKey(ctx context.Context, checksum, storageID, owner string) (*model.StorageRequest, error) {
	query := `SELECT ` + storageRequestColumns + `
		FROM storage_requests
		WHERE checksum = $1 AND storage_id = $2 AND owner = $3`

	req, err := scanStorageRequest(r.db.QueryRow(ctx, query, checksum, storageID, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса сохранения: %w", err)
	}
	return req, nil
}

func (r *storageRequestRepo) ListInFlight(ctx context.Context, checksum, storageID string) ([]*model.StorageRequest, error) {
	query := `SELECT ` + storageRequestColumns + `
		FROM storage_requests
		WHERE checksum = $1 AND storage_id = $2 AND status IN ('TO_DO', 'RUNNING')
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, checksum, storageID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выполняющихся запросов: %w", err)
	}
	return collectStorageRequests(rows)
}

func (r *storageRequestRepo) Reopen(ctx context.Context, req *model.StorageRequest) (bool, error) {
	query := `
		UPDATE storage_requests
		SET status = 'TO_DO', error_cause = '', retry_count = retry_count + 1,
			origin_uri = $2, algorithm = $3, filename = $4, mime_type = $5, size = $6,
			session_owner = $7, session = $8, group_id = $9,
			delayed_until = $10, postponed = 0, updated_at = NOW()
		WHERE id = $1 AND status = 'ERROR'
		RETURNING retry_count, updated_at`

	err := r.db.QueryRow(ctx, query,
		req.ID, req.OriginURI, req.Algorithm, req.Filename, req.MimeType, req.Size,
		req.SessionOwner, req.Session, req.GroupID, nullTime(req.DelayedUntil),
	).Scan(&req.RetryCount, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка повторного открытия запроса сохранения: %w", err)
	}
	req.Status = model.StatusToDo
	req.ErrorCause = ""
	req.Postponed = 0
	return true, nil
}

func (r *storageRequestRepo) SelectRunnable(ctx context.Context, storageID string, now time.Time, limit int) ([]*model.StorageRequest, error) {
	query := `SELECT ` + storageRequestColumns + `
		FROM storage_requests
		WHERE storage_id = $1 AND status = 'TO_DO'
			AND (delayed_until IS NULL OR delayed_until <= $2)
		ORDER BY id
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, storageID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выбора запросов сохранения: %w", err)
	}
	return collectStorageRequests(rows)
}

func (r *storageRequestRepo) ClaimRunning(ctx context.Context, ids []int64) ([]int64, error) {
	return claimRunning(ctx, r.db, "storage_requests", ids)
}

func (r *storageRequestRepo) Postpone(ctx context.Context, id int64, until time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE storage_requests
		SET delayed_until = $2, postponed = postponed + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'TO_DO'`, id, until)
	if err != nil {
		return fmt.Errorf("ошибка отсрочки запроса сохранения: %w", err)
	}
	return nil
}

func (r *storageRequestRepo) MarkError(ctx context.Context, id int64, cause string) (bool, error) {
	return markError(ctx, r.db, "storage_requests", id, cause)
}

func (r *storageRequestRepo) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db, "storage_requests", id)
}

func (r *storageRequestRepo) ReopenErrors(ctx context.Context, f RequestFilter) ([]*model.StorageRequest, error) {
	f.Status = model.StatusError
	where, args := buildRequestWhere(f, "owner", false, 1)

	query := fmt.Sprintf(`
		UPDATE storage_requests
		SET status = 'TO_DO', error_cause = '', retry_count = retry_count + 1,
			delayed_until = NULL, postponed = 0, updated_at = NOW()
		%s
		RETURNING `+storageRequestColumns, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка повтора запросов сохранения: %w", err)
	}
	return collectStorageRequests(rows)
}

func (r *storageRequestRepo) FailPending(ctx context.Context, groupID, cause string) ([]*model.StorageRequest, error) {
	query := `
		UPDATE storage_requests
		SET status = 'ERROR', error_cause = $2, updated_at = NOW()
		WHERE group_id = $1 AND status = 'TO_DO'
		RETURNING ` + storageRequestColumns

	rows, err := r.db.Query(ctx, query, groupID, cause)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода запросов группы в ERROR: %w", err)
	}
	return collectStorageRequests(rows)
}

func (r *storageRequestRepo) FailStale(ctx context.Context, before time.Time, cause string) ([]*model.StorageRequest, error) {
	rows, err := r.db.Query(ctx, failStaleQuery("storage_requests", storageRequestColumns), before, cause)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода зависших запросов сохранения в ERROR: %w", err)
	}
	return collectStorageRequests(rows)
}

func (r *storageRequestRepo) List(ctx context.Context, f RequestFilter) ([]*model.StorageRequest, error) {
	where, args := buildRequestWhere(f, "owner", false, 1)
	query := fmt.Sprintf(`SELECT `+storageRequestColumns+`
		FROM storage_requests
		%s
		ORDER BY id
		%s`, where, limitClause(f.Limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения запросов сохранения: %w", err)
	}
	return collectStorageRequests(rows)
}

// --- Общие операции над таблицами журнала ---

// claimRunning атомарно переводит TO_DO → RUNNING.
// Запросы, захваченные другим планировщиком, в результат не попадают.
func claimRunning(ctx context.Context, db DBTX, table string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'RUNNING', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'TO_DO'
		RETURNING id`, table)

	rows, err := db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата запросов %s: %w", table, err)
	}
	defer rows.Close()

	claimed := make([]int64, 0, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ID: %w", err)
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

// markError переводит запрос TO_DO/RUNNING → ERROR.
func markError(ctx context.Context, db DBTX, table string, id int64, cause string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'ERROR', error_cause = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('TO_DO', 'RUNNING')`, table)

	tag, err := db.Exec(ctx, query, id, cause)
	if err != nil {
		return false, fmt.Errorf("ошибка перевода запроса %s в ERROR: %w", table, err)
	}
	return tag.RowsAffected() == 1, nil
}

// failStaleQuery — перевод зависших RUNNING запросов таблицы в ERROR.
func failStaleQuery(table, columns string) string {
	return fmt.Sprintf(`
		UPDATE %s
		SET status = 'ERROR', error_cause = $2, updated_at = NOW()
		WHERE status = 'RUNNING' AND updated_at < $1
		RETURNING %s`, table, columns)
}

// deleteByID удаляет запрос журнала по ID.
func deleteByID(ctx context.Context, db DBTX, table string, id int64) error {
	tag, err := db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
