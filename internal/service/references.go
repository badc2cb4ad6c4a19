package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// Locations — сконфигурированные хранилища (реализуется *driver.Registry).
type Locations interface {
	// Get возвращает хранилище по ID, в том числе отключённое.
	Get(id string) (*driver.Location, bool)
	// Enabled возвращает включённое хранилище по ID.
	Enabled(id string) (*driver.Location, bool)
	// Locations возвращает включённые хранилища.
	Locations() []*driver.Location
	// All возвращает все хранилища.
	All() []*driver.Location
}

// References — операции над ссылками на файлы, общие для потоков и планировщиков.
type References struct {
	refs     repository.FileReferenceRepository
	deletion repository.DeletionRequestRepository
	groups   *GroupTracker
	sessions *SessionNotifier
	logger   *slog.Logger
}

// NewReferences создаёт сервис ссылок.
func NewReferences(store *repository.Store, groups *GroupTracker, sessions *SessionNotifier, logger *slog.Logger) *References {
	return &References{
		refs:     store.References,
		deletion: store.DeletionRequests,
		groups:   groups,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "references")),
	}
}

// Find возвращает ссылку (storageID, checksum) или nil.
func (s *References) Find(ctx context.Context, storageID, checksum string) (*model.FileReference, error) {
	ref, err := s.refs.Get(ctx, storageID, checksum)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ref, nil
}

// CancelPendingDeletion отменяет ещё не выполняющийся запрос удаления ссылки.
// running=true — удаление уже выполняется и не может быть отменено.
// Группа отменённого запроса в статусе TO_DO получает успешный результат:
// владелец был удалён, физическое удаление больше не требуется.
func (s *References) CancelPendingDeletion(ctx context.Context, ref *model.FileReference) (running bool, err error) {
	req, err := s.deletion.Cancel(ctx, ref.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case errors.Is(err, repository.ErrBusy):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("отмена удаления %s/%s: %w", ref.StorageID, ref.Checksum, err)
	}

	s.logger.Info("Запрос удаления отменён",
		slog.String("storage_id", ref.StorageID),
		slog.String("checksum", ref.Checksum),
		slog.String("status", string(req.Status)),
	)
	if req.Status == model.StatusError {
		s.sessions.Errors(ctx, req.SessionOwner, req.Session, -1)
		return false, nil
	}
	return false, s.groups.RecordSuccess(ctx, req.GroupID, req.Item())
}

// Attach создаёт ссылку с владельцем owner или добавляет владельца к существующей.
// Возвращает актуальную ссылку, признак создания и признак нового владельца.
func (s *References) Attach(ctx context.Context, ref *model.FileReference, owner string) (*model.FileReference, bool, bool, error) {
	existing, err := s.Find(ctx, ref.StorageID, ref.Checksum)
	if err != nil {
		return nil, false, false, err
	}
	if existing == nil {
		ref.Owners = []string{owner}
		err = s.refs.Create(ctx, ref)
		if err == nil {
			return ref, true, true, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, false, false, err
		}
		// Ссылку создал параллельный запрос.
		if existing, err = s.refs.Get(ctx, ref.StorageID, ref.Checksum); err != nil {
			return nil, false, false, err
		}
	}

	added, err := s.refs.AddOwner(ctx, existing.ID, owner)
	if err != nil {
		return nil, false, false, fmt.Errorf("добавление владельца %s: %w", owner, err)
	}
	if added {
		existing.Owners = append(existing.Owners, owner)
	}
	return existing, false, added, nil
}
