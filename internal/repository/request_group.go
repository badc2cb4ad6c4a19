package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// RequestGroupRepository — интерфейс доступа к группам запросов и их результатам.
type RequestGroupRepository interface {
	// Grant регистрирует элементы группы, создавая её при необходимости.
	// expected растёт только на число новых элементов.
	Grant(ctx context.Context, groupID string, typ model.RequestType, items []model.GroupItem) (*model.RequestGroup, error)
	// Reopen снова делает элементы группы незавершёнными: их результаты
	// удаляются вместе со вкладом в счётчики, отсутствующие элементы регистрируются.
	Reopen(ctx context.Context, groupID string, typ model.RequestType, items []model.GroupItem) (*model.RequestGroup, error)
	// Get возвращает группу по ID.
	Get(ctx context.Context, groupID string) (*model.RequestGroup, error)
	// Record сохраняет результат элемента и увеличивает счётчик группы.
	// Повторный результат того же элемента игнорируется.
	// ErrNotFound — группы нет.
	Record(ctx context.Context, res model.GroupResult) (*model.RequestGroup, error)
	// FailUnresolved записывает ошибку cause всем элементам группы без результата.
	FailUnresolved(ctx context.Context, groupID, cause string) (*model.RequestGroup, error)
	// ClaimCompletion атомарно отмечает группу завершённой, если все элементы
	// обработаны, и удаляет её. Только один вызов получает claimed=true.
	ClaimCompletion(ctx context.Context, groupID string) (g *model.RequestGroup, results []model.GroupResult, claimed bool, err error)
	// Results возвращает результаты элементов группы.
	Results(ctx context.Context, groupID string) ([]model.GroupResult, error)
	// ListExpired возвращает незавершённые группы, созданные раньше before.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.RequestGroup, error)
	// Delete удаляет группу вместе с результатами.
	Delete(ctx context.Context, groupID string) error
}

// requestGroupRepo — реализация RequestGroupRepository.
type requestGroupRepo struct {
	db DBTX
	tx *TxRunner
}

// NewRequestGroupRepository создаёт репозиторий групп запросов.
// tx используется для атомарного завершения группы.
func NewRequestGroupRepository(db DBTX, tx *TxRunner) RequestGroupRepository {
	return &requestGroupRepo{db: db, tx: tx}
}

const requestGroupColumns = `id, type, expected, successes, errors, completed, created_at, updated_at`

func scanRequestGroup(row pgx.Row) (*model.RequestGroup, error) {
	g := &model.RequestGroup{}
	var typ string
	err := row.Scan(&g.ID, &typ, &g.Expected, &g.Successes, &g.Errors, &g.Completed, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Type = model.RequestType(typ)
	return g, nil
}

// itemColumns раскладывает элементы по массивам для unnest.
func itemColumns(items []model.GroupItem) (checksums, storages, owners []string) {
	checksums = make([]string, len(items))
	storages = make([]string, len(items))
	owners = make([]string, len(items))
	for i, it := range items {
		checksums[i], storages[i], owners[i] = it.Checksum, it.StorageID, it.Owner
	}
	return checksums, storages, owners
}

// ensureGroup создаёт группу, если её нет, и регистрирует элементы.
// Возвращает число новых элементов.
func ensureGroup(ctx context.Context, tx pgx.Tx, groupID string, typ model.RequestType, items []model.GroupItem) (int64, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO request_groups (id, type) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, groupID, string(typ)); err != nil {
		return 0, fmt.Errorf("ошибка создания группы %s: %w", groupID, err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	checksums, storages, owners := itemColumns(items)
	tag, err := tx.Exec(ctx, `
		INSERT INTO request_group_items (group_id, checksum, storage_id, owner)
		SELECT $1, i.checksum, i.storage_id, i.owner
		FROM unnest($2::text[], $3::text[], $4::text[]) AS i(checksum, storage_id, owner)
		ON CONFLICT DO NOTHING`, groupID, checksums, storages, owners)
	if err != nil {
		return 0, fmt.Errorf("ошибка регистрации элементов группы %s: %w", groupID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *requestGroupRepo) Grant(ctx context.Context, groupID string, typ model.RequestType, items []model.GroupItem) (*model.RequestGroup, error) {
	var g *model.RequestGroup
	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		added, err := ensureGroup(ctx, tx, groupID, typ, items)
		if err != nil {
			return err
		}
		g, err = scanRequestGroup(tx.QueryRow(ctx, `
			UPDATE request_groups
			SET expected = expected + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+requestGroupColumns, groupID, added))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации группы %s: %w", groupID, err)
	}
	return g, nil
}

func (r *requestGroupRepo) Reopen(ctx context.Context, groupID string, typ model.RequestType, items []model.GroupItem) (*model.RequestGroup, error) {
	var g *model.RequestGroup
	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		added, err := ensureGroup(ctx, tx, groupID, typ, items)
		if err != nil {
			return err
		}
		checksums, storages, owners := itemColumns(items)
		g, err = scanRequestGroup(tx.QueryRow(ctx, `
			WITH removed AS (
				DELETE FROM request_group_results res
				USING unnest($3::text[], $4::text[], $5::text[]) AS i(checksum, storage_id, owner)
				WHERE res.group_id = $1 AND res.checksum = i.checksum
					AND res.storage_id = i.storage_id AND res.owner = i.owner
				RETURNING res.success
			)
			UPDATE request_groups
			SET expected = expected + $2,
				successes = successes - (SELECT COUNT(*) FROM removed WHERE success),
				errors = errors - (SELECT COUNT(*) FROM removed WHERE NOT success),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+requestGroupColumns, groupID, added, checksums, storages, owners))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка переоткрытия элементов группы %s: %w", groupID, err)
	}
	return g, nil
}

func (r *requestGroupRepo) Get(ctx context.Context, groupID string) (*model.RequestGroup, error) {
	query := `SELECT ` + requestGroupColumns + ` FROM request_groups WHERE id = $1`

	g, err := scanRequestGroup(r.db.QueryRow(ctx, query, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения группы: %w", err)
	}
	return g, nil
}

func (r *requestGroupRepo) Record(ctx context.Context, res model.GroupResult) (*model.RequestGroup, error) {
	query := `
		WITH ins AS (
			INSERT INTO request_group_results (group_id, checksum, storage_id, owner, success, cause)
			SELECT id, $3, $4, $5, $2, $6 FROM request_groups WHERE id = $1
			ON CONFLICT (group_id, checksum, storage_id, owner) DO NOTHING
			RETURNING group_id
		), g AS (
			UPDATE request_groups
			SET successes = successes + CASE WHEN $2 THEN 1 ELSE 0 END,
				errors = errors + CASE WHEN $2 THEN 0 ELSE 1 END,
				updated_at = NOW()
			WHERE id IN (SELECT group_id FROM ins)
			RETURNING ` + requestGroupColumns + `
		)
		SELECT ` + requestGroupColumns + ` FROM g
		UNION ALL
		SELECT ` + requestGroupColumns + ` FROM request_groups
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM ins)`

	g, err := scanRequestGroup(r.db.QueryRow(ctx, query,
		res.GroupID, res.Success, res.Checksum, res.StorageID, res.Owner, res.Cause))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка записи результата группы: %w", err)
	}
	return g, nil
}

func (r *requestGroupRepo) FailUnresolved(ctx context.Context, groupID, cause string) (*model.RequestGroup, error) {
	query := `
		WITH ins AS (
			INSERT INTO request_group_results (group_id, checksum, storage_id, owner, success, cause)
			SELECT i.group_id, i.checksum, i.storage_id, i.owner, FALSE, $2
			FROM request_group_items i
			WHERE i.group_id = $1
			ON CONFLICT (group_id, checksum, storage_id, owner) DO NOTHING
			RETURNING 1
		)
		UPDATE request_groups
		SET errors = errors + (SELECT COUNT(*) FROM ins), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + requestGroupColumns

	g, err := scanRequestGroup(r.db.QueryRow(ctx, query, groupID, cause))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка завершения элементов группы %s: %w", groupID, err)
	}
	return g, nil
}

func (r *requestGroupRepo) ClaimCompletion(ctx context.Context, groupID string) (*model.RequestGroup, []model.GroupResult, bool, error) {
	var (
		group   *model.RequestGroup
		results []model.GroupResult
	)

	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		g, err := scanRequestGroup(tx.QueryRow(ctx, `
			UPDATE request_groups
			SET completed = TRUE, updated_at = NOW()
			WHERE id = $1 AND NOT completed AND successes + errors >= expected
			RETURNING `+requestGroupColumns, groupID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("ошибка завершения группы: %w", err)
		}

		res, err := listResults(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM request_groups WHERE id = $1`, groupID); err != nil {
			return fmt.Errorf("ошибка удаления группы: %w", err)
		}

		group, results = g, res
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return group, results, group != nil, nil
}

func (r *requestGroupRepo) Results(ctx context.Context, groupID string) ([]model.GroupResult, error) {
	return listResults(ctx, r.db, groupID)
}

func (r *requestGroupRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.RequestGroup, error) {
	query := `SELECT ` + requestGroupColumns + `
		FROM request_groups
		WHERE NOT completed AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истёкших групп: %w", err)
	}
	defer rows.Close()

	var result []*model.RequestGroup
	for rows.Next() {
		g, err := scanRequestGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования группы: %w", err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (r *requestGroupRepo) Delete(ctx context.Context, groupID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM request_groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("ошибка удаления группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func listResults(ctx context.Context, db DBTX, groupID string) ([]model.GroupResult, error) {
	rows, err := db.Query(ctx, `
		SELECT group_id, checksum, storage_id, owner, success, cause, created_at
		FROM request_group_results
		WHERE group_id = $1
		ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения результатов группы: %w", err)
	}
	defer rows.Close()

	var result []model.GroupResult
	for rows.Next() {
		var res model.GroupResult
		if err := rows.Scan(&res.GroupID, &res.Checksum, &res.StorageID, &res.Owner, &res.Success, &res.Cause, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования результата группы: %w", err)
		}
		result = append(result, res)
	}
	return result, rows.Err()
}
