package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// DeletionRequestRepository — интерфейс доступа к таблице deletion_requests.
type DeletionRequestRepository interface {
	// Create создаёт запрос; ErrConflict, если для ссылки запрос уже есть.
	Create(ctx context.Context, req *model.DeletionRequest) error
	// GetByFileRef возвращает запрос удаления ссылки.
	GetByFileRef(ctx context.Context, fileRefID int64) (*model.DeletionRequest, error)
	// Reopen переводит запрос ERROR → TO_DO с данными нового поступления.
	Reopen(ctx context.Context, req *model.DeletionRequest) (bool, error)
	// Cancel удаляет ещё не выполняющийся запрос ссылки.
	// ErrNotFound — запроса нет, ErrBusy — запрос выполняется.
	Cancel(ctx context.Context, fileRefID int64) (*model.DeletionRequest, error)
	// SelectRunnable выбирает TO_DO запросы хранилища.
	SelectRunnable(ctx context.Context, storageID string, limit int) ([]*model.DeletionRequest, error)
	// ClaimRunning переводит TO_DO → RUNNING и возвращает ID захваченных запросов.
	ClaimRunning(ctx context.Context, ids []int64) ([]int64, error)
	// MarkError переводит запрос в ERROR с причиной.
	MarkError(ctx context.Context, id int64, cause string) (bool, error)
	// Delete удаляет запрос.
	Delete(ctx context.Context, id int64) error
	// ReopenErrors переводит ERROR → TO_DO по фильтру.
	ReopenErrors(ctx context.Context, f RequestFilter) ([]*model.DeletionRequest, error)
	// FailPending переводит TO_DO запросы группы в ERROR.
	FailPending(ctx context.Context, groupID, cause string) ([]*model.DeletionRequest, error)
	// FailStale переводит в ERROR запросы RUNNING, не обновлявшиеся с before:
	// их задание потеряно (аварийная остановка или таймаут завершения).
	FailStale(ctx context.Context, before time.Time, cause string) ([]*model.DeletionRequest, error)
	// List возвращает запросы по фильтру.
	List(ctx context.Context, f RequestFilter) ([]*model.DeletionRequest, error)
}

// deletionRequestRepo — реализация DeletionRequestRepository.
type deletionRequestRepo struct {
	db DBTX
}

// NewDeletionRequestRepository создаёт репозиторий запросов на удаление.
func NewDeletionRequestRepository(db DBTX) DeletionRequestRepository {
	return &deletionRequestRepo{db: db}
}

const deletionRequestColumns = `id, file_ref_id, storage_id, checksum, owner, force, session_owner,
	session, group_id, status, error_cause, retry_count, created_at, updated_at`

func scanDeletionRequest(row pgx.Row) (*model.DeletionRequest, error) {
	r := &model.DeletionRequest{}
	var status string
	err := row.Scan(
		&r.ID, &r.FileRefID, &r.StorageID, &r.Checksum, &r.Owner, &r.Force, &r.SessionOwner,
		&r.Session, &r.GroupID, &status, &r.ErrorCause, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	return r, nil
}

func collectDeletionRequests(rows pgx.Rows) ([]*model.DeletionRequest, error) {
	defer rows.Close()
	var result []*model.DeletionRequest
	for rows.Next() {
		r, err := scanDeletionRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса удаления: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (r *deletionRequestRepo) Create(ctx context.Context, req *model.DeletionRequest) error {
	query := `
		INSERT INTO deletion_requests (file_ref_id, storage_id, checksum, owner, force,
			session_owner, session, group_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	if req.Status == "" {
		req.Status = model.StatusToDo
	}

	err := r.db.QueryRow(ctx, query,
		req.FileRefID, req.StorageID, req.Checksum, req.Owner, req.Force,
		req.SessionOwner, req.Session, req.GroupID, string(req.Status),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос удаления ссылки %d", ErrConflict, req.FileRefID)
		}
		return fmt.Errorf("ошибка создания запроса удаления: %w", err)
	}
	return nil
}

func (r *deletionRequestRepo) GetByFileRef(ctx context.Context, fileRefID int64) (*model.DeletionRequest, error) {
	query := `SELECT ` + deletionRequestColumns + ` FROM deletion_requests WHERE file_ref_id = $1`

	req, err := scanDeletionRequest(r.db.QueryRow(ctx, query, fileRefID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса удаления: %w", err)
	}
	return req, nil
}

func (r *deletionRequestRepo) Reopen(ctx context.Context, req *model.DeletionRequest) (bool, error) {
	query := `
		UPDATE deletion_requests
		SET status = 'TO_DO', error_cause = '', retry_count = retry_count + 1,
			owner = $2, force = $3, session_owner = $4, session = $5, group_id = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'ERROR'
		RETURNING retry_count, updated_at`

	err := r.db.QueryRow(ctx, query,
		req.ID, req.Owner, req.Force, req.SessionOwner, req.Session, req.GroupID,
	).Scan(&req.RetryCount, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка повторного открытия запроса удаления: %w", err)
	}
	req.Status = model.StatusToDo
	req.ErrorCause = ""
	return true, nil
}

func (r *deletionRequestRepo) Cancel(ctx context.Context, fileRefID int64) (*model.DeletionRequest, error) {
	query := `
		DELETE FROM deletion_requests
		WHERE file_ref_id = $1 AND status <> 'RUNNING'
		RETURNING ` + deletionRequestColumns

	req, err := scanDeletionRequest(r.db.QueryRow(ctx, query, fileRefID))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка отмены запроса удаления: %w", err)
	}

	// Либо запроса нет, либо он выполняется
	if _, err := r.GetByFileRef(ctx, fileRefID); err != nil {
		return nil, err
	}
	return nil, ErrBusy
}

func (r *deletionRequestRepo) SelectRunnable(ctx context.Context, storageID string, limit int) ([]*model.DeletionRequest, error) {
	query := `SELECT ` + deletionRequestColumns + `
		FROM deletion_requests
		WHERE storage_id = $1 AND status = 'TO_DO'
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, storageID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выбора запросов удаления: %w", err)
	}
	return collectDeletionRequests(rows)
}

func (r *deletionRequestRepo) ClaimRunning(ctx context.Context, ids []int64) ([]int64, error) {
	return claimRunning(ctx, r.db, "deletion_requests", ids)
}

func (r *deletionRequestRepo) MarkError(ctx context.Context, id int64, cause string) (bool, error) {
	return markError(ctx, r.db, "deletion_requests", id, cause)
}

func (r *deletionRequestRepo) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, r.db, "deletion_requests", id)
}

func (r *deletionRequestRepo) ReopenErrors(ctx context.Context, f RequestFilter) ([]*model.DeletionRequest, error) {
	f.Status = model.StatusError
	where, args := buildRequestWhere(f, "owner", false, 1)

	query := fmt.Sprintf(`
		UPDATE deletion_requests
		SET status = 'TO_DO', error_cause = '', retry_count = retry_count + 1, updated_at = NOW()
		%s
		RETURNING `+deletionRequestColumns, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка повтора запросов удаления: %w", err)
	}
	return collectDeletionRequests(rows)
}

func (r *deletionRequestRepo) FailStale(ctx context.Context, before time.Time, cause string) ([]*model.DeletionRequest, error) {
	rows, err := r.db.Query(ctx, failStaleQuery("deletion_requests", deletionRequestColumns), before, cause)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода зависших запросов удаления в ERROR: %w", err)
	}
	return collectDeletionRequests(rows)
}

func (r *deletionRequestRepo) FailPending(ctx context.Context, groupID, cause string) ([]*model.DeletionRequest, error) {
	query := `
		UPDATE deletion_requests
		SET status = 'ERROR', error_cause = $2, updated_at = NOW()
		WHERE group_id = $1 AND status = 'TO_DO'
		RETURNING ` + deletionRequestColumns

	rows, err := r.db.Query(ctx, query, groupID, cause)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода запросов удаления группы в ERROR: %w", err)
	}
	return collectDeletionRequests(rows)
}

func (r *deletionRequestRepo) List(ctx context.Context, f RequestFilter) ([]*model.DeletionRequest, error) {
	where, args := buildRequestWhere(f, "owner", false, 1)
	query := fmt.Sprintf(`SELECT `+deletionRequestColumns+`
		FROM deletion_requests
		%s
		ORDER BY id
		%s`, where, limitClause(f.Limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения запросов удаления: %w", err)
	}
	return collectDeletionRequests(rows)
}
