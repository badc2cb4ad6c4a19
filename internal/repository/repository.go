// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
//
// Изменения записей журнала выполняются одиночными атомарными операторами
// (условный UPDATE/DELETE по статусу, INSERT ... ON CONFLICT), поэтому
// несколько экземпляров планировщиков и потоков могут работать с одной базой.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrBusy — запись в статусе RUNNING и не может быть изменена.
	ErrBusy = errors.New("запись обрабатывается")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RequestFilter — фильтр записей журнала запросов.
// Пустые поля не участвуют в фильтрации.
type RequestFilter struct {
	GroupID   string
	Owners    []string
	StorageID string
	Status    model.RequestStatus
	// Limit — максимум записей (0 — без ограничения)
	Limit int
}

// Empty проверяет, что фильтр не задаёт ни группы, ни владельцев, ни хранилища.
func (f RequestFilter) Empty() bool {
	return f.GroupID == "" && len(f.Owners) == 0 && f.StorageID == ""
}

// StorageUsage — заполненность хранилища по данным ссылок.
type StorageUsage struct {
	Files int64
	Size  int64
}

// Store — набор репозиториев одного хранилища записей.
type Store struct {
	References       FileReferenceRepository
	StorageRequests  StorageRequestRepository
	DeletionRequests DeletionRequestRepository
	CacheRequests    CacheRequestRepository
	CacheFiles       CacheFileRepository
	Groups           RequestGroupRepository
}

// NewPostgresStore создаёт набор репозиториев поверх пула PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{
		References:       NewFileReferenceRepository(pool),
		StorageRequests:  NewStorageRequestRepository(pool),
		DeletionRequests: NewDeletionRequestRepository(pool),
		CacheRequests:    NewCacheRequestRepository(pool),
		CacheFiles:       NewCacheFileRepository(pool),
		Groups:           NewRequestGroupRepository(pool, NewTxRunner(pool)),
	}
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// buildRequestWhere строит WHERE-условие фильтра журнала.
// ownerColumn пустой — фильтр по владельцам не поддерживается таблицей,
// groupArray — группа хранится в массиве group_ids.
func buildRequestWhere(f RequestFilter, ownerColumn string, groupArray bool, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if f.GroupID != "" {
		if groupArray {
			conditions = append(conditions, fmt.Sprintf("$%d = ANY(group_ids)", argNum))
		} else {
			conditions = append(conditions, fmt.Sprintf("group_id = $%d", argNum))
		}
		args = append(args, f.GroupID)
		argNum++
	}
	if len(f.Owners) > 0 && ownerColumn != "" {
		conditions = append(conditions, fmt.Sprintf("%s = ANY($%d)", ownerColumn, argNum))
		args = append(args, f.Owners)
		argNum++
	}
	if f.StorageID != "" {
		conditions = append(conditions, fmt.Sprintf("storage_id = $%d", argNum))
		args = append(args, f.StorageID)
		argNum++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(f.Status))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

// limitClause возвращает LIMIT для положительного limit.
func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

// nullTime конвертирует *time.Time для сканирования nullable-колонок.
func nullTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}
