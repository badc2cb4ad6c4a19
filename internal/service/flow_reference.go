package service

import (
	"context"
	"log/slog"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// ReferenceFlow — поток логических ссылок: файл регистрируется в хранилище
// без физического копирования, физической копией сервис не управляет.
type ReferenceFlow struct {
	flowBase
	locations  Locations
	references *References
	logger     *slog.Logger
}

func newReferenceFlow(base flowBase, deps FlowDeps, logger *slog.Logger) *ReferenceFlow {
	return &ReferenceFlow{
		flowBase:   base,
		locations:  deps.Locations,
		references: deps.References,
		logger:     logger.With(slog.String("component", "reference_flow")),
	}
}

// Handle обрабатывает пакет запросов на ссылку.
func (f *ReferenceFlow) Handle(ctx context.Context, batch model.ReferenceBatch) error {
	for _, item := range batch.Items {
		sessions := f.fileSessions(ctx, item.Files)
		ok, err := f.admit(ctx, model.RequestReference, item.GroupID, fileItems(item.Files), sessions)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for i, fr := range item.Files {
			if err := f.handleFile(ctx, item.GroupID, fr, sessions[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *ReferenceFlow) handleFile(ctx context.Context, groupID string, fr model.FileRequest, s sessionRef) error {
	if fr.Checksum == "" || fr.Owner == "" || fr.StorageID == "" {
		return f.deny(ctx, groupID, fr.Item(), s, causeMissingField)
	}

	existing, err := f.references.Find(ctx, fr.StorageID, fr.Checksum)
	if err != nil {
		return err
	}
	if existing != nil {
		running, err := f.references.CancelPendingDeletion(ctx, existing)
		if err != nil {
			return err
		}
		if running {
			f.logger.Info("Ссылка отклонена: файл удаляется",
				slog.String("storage_id", fr.StorageID),
				slog.String("checksum", fr.Checksum),
				slog.String("owner", fr.Owner),
			)
			return f.groups.RecordError(ctx, groupID, fr.Item(), causeDeletionRunning)
		}
	}

	tier := model.TierNearline
	if loc, ok := f.locations.Get(fr.StorageID); ok {
		tier = loc.TierOf()
	}
	ref, created, added, err := f.references.Attach(ctx, &model.FileReference{
		StorageID:   fr.StorageID,
		Checksum:    fr.Checksum,
		Algorithm:   fr.Algorithm,
		Filename:    fr.Filename,
		Size:        fr.Size,
		MimeType:    fr.MimeType,
		Tier:        tier,
		PhysicalURI: fr.SourceURI,
		Referenced:  true,
	}, fr.Owner)
	if err != nil {
		return err
	}

	evType := model.EventStored
	if added && !created {
		evType = model.EventReferenced
	}
	f.events.File(ctx, model.FileEvent{
		Type:      evType,
		Checksum:  ref.Checksum,
		StorageID: ref.StorageID,
		Owner:     fr.Owner,
		GroupIDs:  groupIDs(groupID),
		Location:  ref.PhysicalURI,
	})
	f.sessions.Notify(ctx, s.owner, s.name, model.MetricReferencedFiles, 1)
	return f.groups.RecordSuccess(ctx, groupID, fr.Item())
}
