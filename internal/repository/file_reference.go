package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// FileReferenceRepository — интерфейс доступа к таблице file_references.
type FileReferenceRepository interface {
	// Get возвращает ссылку по (storageID, checksum).
	Get(ctx context.Context, storageID, checksum string) (*model.FileReference, error)
	// GetByID возвращает ссылку по ID.
	GetByID(ctx context.Context, id int64) (*model.FileReference, error)
	// ListByChecksum возвращает ссылки на файл во всех хранилищах.
	ListByChecksum(ctx context.Context, checksum string) ([]*model.FileReference, error)
	// Create создаёт ссылку; ErrConflict, если (storage, checksum) уже существует.
	Create(ctx context.Context, ref *model.FileReference) error
	// AddOwner добавляет владельца; added=false, если он уже есть.
	AddOwner(ctx context.Context, id int64, owner string) (added bool, err error)
	// RemoveOwner удаляет владельца и возвращает число оставшихся владельцев.
	RemoveOwner(ctx context.Context, id int64, owner string) (remaining int, removed bool, err error)
	// DeleteIfOrphan удаляет ссылку, только если у неё не осталось владельцев.
	DeleteIfOrphan(ctx context.Context, id int64) (bool, error)
	// Delete удаляет ссылку безусловно.
	Delete(ctx context.Context, id int64) error
	// UsageByStorage возвращает число файлов и суммарный размер по хранилищам.
	UsageByStorage(ctx context.Context) (map[string]StorageUsage, error)
}

// fileReferenceRepo — реализация FileReferenceRepository.
type fileReferenceRepo struct {
	db DBTX
}

// NewFileReferenceRepository создаёт репозиторий ссылок на файлы.
func NewFileReferenceRepository(db DBTX) FileReferenceRepository {
	return &fileReferenceRepo{db: db}
}

const fileReferenceColumns = `id, storage_id, checksum, algorithm, filename, size, mime_type,
	tier, physical_uri, owners, referenced, created_at, updated_at`

func scanFileReference(row pgx.Row) (*model.FileReference, error) {
	f := &model.FileReference{}
	var tier string
	err := row.Scan(
		&f.ID, &f.StorageID, &f.Checksum, &f.Algorithm, &f.Filename, &f.Size, &f.MimeType,
		&tier, &f.PhysicalURI, &f.Owners, &f.Referenced, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Tier = model.StorageTier(tier)
	return f, nil
}

func (r *fileReferenceRepo) Get(ctx context.Context, storageID, checksum string) (*model.FileReference, error) {
	query := `SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE storage_id = $1 AND checksum = $2`

	f, err := scanFileReference(r.db.QueryRow(ctx, query, storageID, checksum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ссылки: %w", err)
	}
	return f, nil
}

func (r *fileReferenceRepo) GetByID(ctx context.Context, id int64) (*model.FileReference, error) {
	query := `SELECT ` + fileReferenceColumns + ` FROM file_references WHERE id = $1`

	f, err := scanFileReference(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ссылки: %w", err)
	}
	return f, nil
}

func (r *fileReferenceRepo) ListByChecksum(ctx context.Context, checksum string) ([]*model.FileReference, error) {
	query := `SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE checksum = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, checksum)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ссылок по checksum: %w", err)
	}
	defer rows.Close()

	var result []*model.FileReference
	for rows.Next() {
		f, err := scanFileReference(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования ссылки: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileReferenceRepo) Create(ctx context.Context, ref *model.FileReference) error {
	query := `
		INSERT INTO file_references (storage_id, checksum, algorithm, filename, size, mime_type,
			tier, physical_uri, owners, referenced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	owners := ref.Owners
	if owners == nil {
		owners = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		ref.StorageID, ref.Checksum, ref.Algorithm, ref.Filename, ref.Size, ref.MimeType,
		string(ref.Tier), ref.PhysicalURI, owners, ref.Referenced,
	).Scan(&ref.ID, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ссылка %s/%s уже существует", ErrConflict, ref.StorageID, ref.Checksum)
		}
		return fmt.Errorf("ошибка создания ссылки: %w", err)
	}
	return nil
}

func (r *fileReferenceRepo) AddOwner(ctx context.Context, id int64, owner string) (bool, error) {
	query := `
		UPDATE file_references
		SET owners = array_append(owners, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(owners))`

	tag, err := r.db.Exec(ctx, query, id, owner)
	if err != nil {
		return false, fmt.Errorf("ошибка добавления владельца: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := r.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *fileReferenceRepo) RemoveOwner(ctx context.Context, id int64, owner string) (int, bool, error) {
	query := `
		UPDATE file_references
		SET owners = array_remove(owners, $2), updated_at = NOW()
		WHERE id = $1 AND $2 = ANY(owners)
		RETURNING cardinality(owners)`

	var remaining int
	err := r.db.QueryRow(ctx, query, id, owner).Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("ошибка удаления владельца: %w", err)
	}

	// Владельца не было — возвращаем текущее число владельцев
	err = r.db.QueryRow(ctx, `SELECT cardinality(owners) FROM file_references WHERE id = $1`, id).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("ошибка получения владельцев: %w", err)
	}
	return remaining, false, nil
}

func (r *fileReferenceRepo) DeleteIfOrphan(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM file_references WHERE id = $1 AND cardinality(owners) = 0`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления ссылки: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *fileReferenceRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM file_references WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления ссылки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileReferenceRepo) UsageByStorage(ctx context.Context) (map[string]StorageUsage, error) {
	query := `
		SELECT storage_id, COUNT(*), COALESCE(SUM(size), 0)
		FROM file_references
		WHERE NOT referenced
		GROUP BY storage_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка расчёта заполненности хранилищ: %w", err)
	}
	defer rows.Close()

	result := make(map[string]StorageUsage)
	for rows.Next() {
		var id string
		var u StorageUsage
		if err := rows.Scan(&id, &u.Files, &u.Size); err != nil {
			return nil, fmt.Errorf("ошибка сканирования заполненности: %w", err)
		}
		result[id] = u
	}
	return result, rows.Err()
}

// exists возвращает ErrNotFound, если ссылки с указанным ID нет.
func (r *fileReferenceRepo) exists(ctx context.Context, id int64) error {
	var found bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file_references WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return fmt.Errorf("ошибка проверки ссылки: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}
