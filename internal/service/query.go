package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// Ledger — запросы к журналу для сопровождения.
type Ledger struct {
	storage  repository.StorageRequestRepository
	deletion repository.DeletionRequestRepository
	cache    repository.CacheRequestRepository
}

// NewLedger создаёт сервис запросов к журналу.
func NewLedger(store *repository.Store) *Ledger {
	return &Ledger{
		storage:  store.StorageRequests,
		deletion: store.DeletionRequests,
		cache:    store.CacheRequests,
	}
}

// Query возвращает записи журнала по фильтру; typ пустой — все типы.
// Запросы восстановления не имеют владельца и не выбираются фильтром по владельцам.
func (l *Ledger) Query(ctx context.Context, typ model.RequestType, f repository.RequestFilter) ([]model.RequestInfo, error) {
	switch typ {
	case "", model.RequestStorage, model.RequestDeletion, model.RequestAvailability:
	default:
		return nil, fmt.Errorf("%w: тип запроса %q не хранится в журнале", ErrValidation, typ)
	}

	var out []model.RequestInfo
	if typ == "" || typ == model.RequestStorage {
		rows, err := l.storage.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("выборка запросов сохранения: %w", err)
		}
		for _, r := range rows {
			out = append(out, model.RequestInfo{
				ID: r.ID, Type: model.RequestStorage, Checksum: r.Checksum, StorageID: r.StorageID,
				Owner: r.Owner, GroupIDs: groupIDs(r.GroupID), Status: r.Status,
				ErrorCause: r.ErrorCause, RetryCount: r.RetryCount, CreatedAt: r.CreatedAt,
			})
		}
	}
	if typ == "" || typ == model.RequestDeletion {
		rows, err := l.deletion.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("выборка запросов удаления: %w", err)
		}
		for _, r := range rows {
			out = append(out, model.RequestInfo{
				ID: r.ID, Type: model.RequestDeletion, Checksum: r.Checksum, StorageID: r.StorageID,
				Owner: r.Owner, GroupIDs: groupIDs(r.GroupID), Status: r.Status,
				ErrorCause: r.ErrorCause, RetryCount: r.RetryCount, CreatedAt: r.CreatedAt,
			})
		}
	}
	if (typ == "" || typ == model.RequestAvailability) && len(f.Owners) == 0 {
		rows, err := l.cache.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("выборка запросов восстановления: %w", err)
		}
		for _, r := range rows {
			ids := r.GroupIDs
			if ids == nil {
				ids = []string{}
			}
			out = append(out, model.RequestInfo{
				ID: r.ID, Type: model.RequestAvailability, Checksum: r.Checksum, StorageID: r.StorageID,
				GroupIDs: ids, Status: r.Status,
				ErrorCause: r.ErrorCause, RetryCount: r.RetryCount, CreatedAt: r.CreatedAt,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []model.RequestInfo{}
	}
	return out, nil
}
