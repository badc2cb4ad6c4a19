package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

func TestStoreThenSchedule(t *testing.T) {
	h := newHarness(t)

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))

	rows := h.storageRows(repository.RequestFilter{})
	if len(rows) != 1 || rows[0].Status != model.StatusToDo {
		t.Fatalf("после приёма ожидается 1 запрос TO_DO, получено %d", len(rows))
	}
	if h.reference("online", "abc") != nil {
		t.Fatal("ссылка не должна существовать до выполнения запроса")
	}

	res := h.sweep()
	if res.StorageJobs != 1 {
		t.Errorf("StorageJobs = %d, ожидается 1", res.StorageJobs)
	}

	ref := h.reference("online", "abc")
	if ref == nil {
		t.Fatal("ссылка не создана")
	}
	if !slices.Equal(ref.Owners, []string{"u1"}) {
		t.Errorf("Owners = %v, ожидается [u1]", ref.Owners)
	}
	if ref.Tier != model.TierOnline || ref.Referenced {
		t.Errorf("Tier = %s, Referenced = %v", ref.Tier, ref.Referenced)
	}
	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 0 {
		t.Errorf("после выполнения в журнале %d запросов, ожидается 0", len(rows))
	}
	if stored := h.pub.fileEvents(model.EventStored); len(stored) != 1 {
		t.Errorf("событий STORED = %d, ожидается 1", len(stored))
	}

	wantTrace := []string{
		"REQUESTS_RECEIVED:+1",
		"REQUESTS_RUNNING:+1",
		"REQUESTS_RUNNING:-1",
		"STORED_FILES:+1",
	}
	if got := h.pub.sessionTrace("s-u1"); !slices.Equal(got, wantTrace) {
		t.Errorf("счётчики сессии = %v, ожидается %v", got, wantTrace)
	}

	ev, ok := h.pub.groupEvent("g1")
	if !ok || ev.Status != model.GroupSuccess || ev.SuccessCount != 1 {
		t.Errorf("событие группы = %+v, ожидается SUCCESS с 1 успехом", ev)
	}
}

func TestStoreDuplicateSubmission(t *testing.T) {
	h := newHarness(t)

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.handle(storeBatch("g2", fileReq("abc", "online", "u1")))

	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 1 {
		t.Fatalf("дубликат создал запрос: %d запросов", len(rows))
	}
	if ev, ok := h.pub.groupEvent("g2"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа дубликата: %+v, ожидается SUCCESS", ev)
	}

	h.sweep()
	if ev, ok := h.pub.groupEvent("g1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа g1: %+v, ожидается SUCCESS", ev)
	}
}

func TestStoreIntoExistingFile(t *testing.T) {
	h := newHarness(t)

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.sweep()
	h.handle(storeBatch("g2", fileReq("abc", "online", "u2")))

	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 0 {
		t.Errorf("для сохранённого файла создан запрос: %d", len(rows))
	}
	ref := h.reference("online", "abc")
	if !slices.Equal(ref.Owners, []string{"u1", "u2"}) {
		t.Errorf("Owners = %v, ожидается [u1 u2]", ref.Owners)
	}
	if ev, ok := h.pub.groupEvent("g2"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа g2: %+v, ожидается SUCCESS", ev)
	}
}

func TestStoreOtherOwnerInFlightIsDelayed(t *testing.T) {
	h := newHarness(t)

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.handle(storeBatch("g2", fileReq("abc", "online", "u2")))

	rows := h.storageRows(repository.RequestFilter{})
	if len(rows) != 2 {
		t.Fatalf("ожидается 2 запроса, получено %d", len(rows))
	}
	if rows[0].Delayed() || !rows[1].Delayed() {
		t.Errorf("Delayed() = %v, %v; ожидается false, true", rows[0].Delayed(), rows[1].Delayed())
	}

	res := h.sweep()
	if res.StorageJobs != 1 {
		t.Errorf("StorageJobs = %d, ожидается 1", res.StorageJobs)
	}
	if left := h.storageRows(repository.RequestFilter{}); len(left) != 1 || left[0].Owner != "u2" {
		t.Errorf("отложенный запрос u2 должен остаться в журнале: %+v", left)
	}
}

func TestStoreDenied(t *testing.T) {
	tests := []struct {
		name      string
		file      model.FileRequest
		wantCause string
	}{
		{
			name:      "неизвестное хранилище",
			file:      fileReq("abc", "nowhere", "u1"),
			wantCause: causeStorageUnknown,
		},
		{
			name:      "отключённое хранилище",
			file:      fileReq("abc", "off", "u1"),
			wantCause: causeStorageUnknown,
		},
		{
			name: "неподдерживаемая схема",
			file: func() model.FileRequest {
				f := fileReq("abc", "online", "u1")
				f.SourceURI = "ftp://host/abc"
				return f
			}(),
			wantCause: causeUnsupportedURI,
		},
		{
			name: "нет владельца",
			file: func() model.FileRequest {
				f := fileReq("abc", "online", "")
				return f
			}(),
			wantCause: causeMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.handle(storeBatch("g1", tt.file))

			if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 0 {
				t.Errorf("отклонённый файл создал запрос: %d", len(rows))
			}
			ev, ok := h.pub.groupEvent("g1")
			if !ok || ev.Status != model.GroupError {
				t.Fatalf("событие группы = %+v, ожидается ERROR", ev)
			}
			if len(ev.ErrorDetails) != 1 || ev.ErrorDetails[0].Cause != tt.wantCause {
				t.Errorf("ErrorDetails = %+v, ожидается причина %q", ev.ErrorDetails, tt.wantCause)
			}
		})
	}
}

func TestGroupDenied(t *testing.T) {
	h := newHarness(t, withMaxItems(1))

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1"), fileReq("def", "online", "u1")))
	h.handle(storeBatch("", fileReq("xyz", "online", "u2")))

	ev, ok := h.pub.groupEvent("g1")
	if !ok || ev.Status != model.GroupDenied {
		t.Errorf("событие группы g1 = %+v, ожидается DENIED", ev)
	}
	if ev, ok := h.pub.groupEvent(""); !ok || ev.Status != model.GroupDenied {
		t.Errorf("элемент без groupId: %+v, ожидается DENIED", ev)
	}
	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 0 {
		t.Errorf("отклонённые группы создали %d запросов", len(rows))
	}
	want := []string{"REQUESTS_RECEIVED:+1", "REQUESTS_RECEIVED:+1", "REQUESTS_DENIED:+1", "REQUESTS_DENIED:+1"}
	if got := h.pub.sessionTrace("s-u1"); !slices.Equal(got, want) {
		t.Errorf("счётчики сессии = %v, ожидается %v", got, want)
	}
	if _, err := h.store.Groups.Get(context.Background(), "g1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("отклонённая группа сохранена: %v", err)
	}
}

func TestReferenceIdempotent(t *testing.T) {
	h := newHarness(t)

	h.handle(referenceBatch("r1", fileReq("abc", "nearline", "u1")))
	h.handle(referenceBatch("r2", fileReq("abc", "nearline", "u1")))

	ref := h.reference("nearline", "abc")
	if ref == nil {
		t.Fatal("ссылка не создана")
	}
	if !slices.Equal(ref.Owners, []string{"u1"}) {
		t.Errorf("Owners = %v, ожидается [u1]", ref.Owners)
	}
	if !ref.Referenced || ref.Tier != model.TierNearline {
		t.Errorf("Referenced = %v, Tier = %s", ref.Referenced, ref.Tier)
	}
	if ref.PhysicalURI != "file:///data/abc" {
		t.Errorf("PhysicalURI = %q, ожидается исходный URI", ref.PhysicalURI)
	}
	for _, g := range []string{"r1", "r2"} {
		if ev, ok := h.pub.groupEvent(g); !ok || ev.Status != model.GroupSuccess {
			t.Errorf("группа %s: %+v, ожидается SUCCESS", g, ev)
		}
	}
	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 0 {
		t.Errorf("ссылка создала запрос сохранения: %d", len(rows))
	}
}

func TestReferenceNewOwnerEmitsReferenced(t *testing.T) {
	h := newHarness(t)

	h.handle(referenceBatch("r1", fileReq("abc", "online", "u1")))
	h.handle(referenceBatch("r2", fileReq("abc", "online", "u2")))

	if got := len(h.pub.fileEvents(model.EventReferenced)); got != 1 {
		t.Errorf("событий REFERENCED = %d, ожидается 1", got)
	}
	if got := len(h.pub.fileEvents(model.EventStored)); got != 1 {
		t.Errorf("событий STORED = %d, ожидается 1", got)
	}
}

func TestDeletionReferenceCounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(storeBatch("g1", fileReq("abc", "online", "A")))
	h.sweep()
	h.handle(storeBatch("g2", fileReq("abc", "online", "B")))

	h.handle(deletionBatch("d1", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "A"}))
	ref := h.reference("online", "abc")
	if ref == nil || !slices.Equal(ref.Owners, []string{"B"}) {
		t.Fatalf("после удаления A ожидаются владельцы [B], получено %+v", ref)
	}
	if ev, ok := h.pub.groupEvent("d1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа d1: %+v, ожидается SUCCESS", ev)
	}
	if _, err := h.store.DeletionRequests.GetByFileRef(ctx, ref.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("при оставшемся владельце создан запрос удаления: %v", err)
	}

	h.handle(deletionBatch("d2", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "B"}))
	req, err := h.store.DeletionRequests.GetByFileRef(ctx, ref.ID)
	if err != nil || req.Status != model.StatusToDo {
		t.Fatalf("ожидается запрос удаления TO_DO: %+v, %v", req, err)
	}
	if _, ok := h.pub.groupEvent("d2"); ok {
		t.Error("группа d2 не должна завершиться до физического удаления")
	}

	res := h.sweep()
	if res.DeletionJobs != 1 {
		t.Errorf("DeletionJobs = %d, ожидается 1", res.DeletionJobs)
	}
	if h.reference("online", "abc") != nil {
		t.Error("ссылка не удалена")
	}
	if h.drivers["online"].deletedCount() != 1 {
		t.Errorf("вызовов Delete = %d, ожидается 1", h.drivers["online"].deletedCount())
	}
	if got := len(h.pub.fileEvents(model.EventFullyDeleted)); got != 1 {
		t.Errorf("событий FULLY_DELETED = %d, ожидается 1", got)
	}
	if got := len(h.pub.fileEvents(model.EventDeletedForOwner)); got != 2 {
		t.Errorf("событий DELETED_FOR_OWNER = %d, ожидается 2", got)
	}
	if ev, ok := h.pub.groupEvent("d2"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа d2: %+v, ожидается SUCCESS", ev)
	}
}

func TestDeletionOfReferencedFileIsLogical(t *testing.T) {
	h := newHarness(t)

	h.handle(referenceBatch("r1", fileReq("abc", "online", "u1")))
	h.handle(deletionBatch("d1", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "u1"}))

	if h.reference("online", "abc") != nil {
		t.Error("логическая ссылка не удалена")
	}
	if h.drivers["online"].deletedCount() != 0 {
		t.Error("для логической ссылки вызван драйвер")
	}
	if ev, ok := h.pub.groupEvent("d1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа d1: %+v, ожидается SUCCESS", ev)
	}
}

func TestDeletionUnknownFileSucceeds(t *testing.T) {
	h := newHarness(t)

	h.handle(deletionBatch("d1", model.DeletionFile{Checksum: "nope", StorageID: "online", Owner: "u1"}))

	if ev, ok := h.pub.groupEvent("d1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа d1: %+v, ожидается SUCCESS", ev)
	}
}

func TestStoreCancelsPendingDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(storeBatch("g1", fileReq("abc", "online", "A")))
	h.sweep()
	h.handle(deletionBatch("d1", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "A"}))
	h.handle(storeBatch("g2", fileReq("abc", "online", "A")))

	ref := h.reference("online", "abc")
	if ref == nil || !slices.Equal(ref.Owners, []string{"A"}) {
		t.Fatalf("ожидается ссылка с владельцем A, получено %+v", ref)
	}
	if _, err := h.store.DeletionRequests.GetByFileRef(ctx, ref.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("запрос удаления не отменён: %v", err)
	}
	for _, g := range []string{"d1", "g2"} {
		if ev, ok := h.pub.groupEvent(g); !ok || ev.Status != model.GroupSuccess {
			t.Errorf("группа %s: %+v, ожидается SUCCESS", g, ev)
		}
	}
}

func TestDeletionFlowWaitsForLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.lock.Hold(ctx, "ops", time.Minute); err != nil {
		t.Fatalf("Hold() ошибка: %v", err)
	}
	err := h.dispatcher.Handle(ctx, deletionBatch("d1", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "u1"}))
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Handle() = %v, ожидается ErrLockTimeout", err)
	}
}

func TestAvailabilityOnlineFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.sweep()

	h.handle(model.AvailabilityBatch{Tenant: "t1", Items: []model.AvailabilityFlowItem{{
		GroupID:    "a1",
		Checksums:  []string{"abc"},
		Expiration: time.Now().Add(time.Hour),
	}}})

	rows, err := h.store.CacheRequests.List(ctx, repository.RequestFilter{})
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("для online-файла создано %d запросов восстановления", len(rows))
	}
	available := h.pub.fileEvents(model.EventAvailable)
	if len(available) != 1 || available[0].Location != "fake://abc/u1" {
		t.Errorf("события AVAILABLE = %+v", available)
	}
	if ev, ok := h.pub.groupEvent("a1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа a1: %+v, ожидается SUCCESS", ev)
	}
}

func TestAvailabilityUnknownAndExpired(t *testing.T) {
	h := newHarness(t)

	h.handle(model.AvailabilityBatch{Tenant: "t1", Items: []model.AvailabilityFlowItem{
		{GroupID: "a1", Checksums: []string{"nope"}, Expiration: time.Now().Add(time.Hour)},
		{GroupID: "a2", Checksums: []string{"nope"}, Expiration: time.Now().Add(-time.Hour)},
	}})

	if ev, ok := h.pub.groupEvent("a1"); !ok || ev.Status != model.GroupError {
		t.Errorf("группа a1: %+v, ожидается ERROR", ev)
	}
	if ev, ok := h.pub.groupEvent("a2"); !ok || ev.Status != model.GroupDenied {
		t.Errorf("группа a2: %+v, ожидается DENIED", ev)
	}
}

func TestAvailabilityNearlineRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(referenceBatch("r1", fileReq("abc", "nearline", "u1")))
	item := func(g string) model.AvailabilityBatch {
		return model.AvailabilityBatch{Tenant: "t1", Items: []model.AvailabilityFlowItem{{
			GroupID: g, Checksums: []string{"abc"}, Expiration: time.Now().Add(time.Hour),
		}}}
	}
	h.handle(item("a1"))
	h.handle(item("a2"))

	rows, _ := h.store.CacheRequests.List(ctx, repository.RequestFilter{})
	if len(rows) != 1 || len(rows[0].GroupIDs) != 2 {
		t.Fatalf("ожидается 1 запрос восстановления с 2 группами: %+v", rows)
	}

	res := h.sweep()
	if res.CacheJobs != 1 {
		t.Errorf("CacheJobs = %d, ожидается 1", res.CacheJobs)
	}
	for _, g := range []string{"a1", "a2"} {
		if ev, ok := h.pub.groupEvent(g); !ok || ev.Status != model.GroupSuccess {
			t.Errorf("группа %s: %+v, ожидается SUCCESS", g, ev)
		}
	}
	if f, err := h.cache.Lookup(ctx, "abc"); err != nil || f == nil {
		t.Fatalf("файл не зарегистрирован в кэше: %v", err)
	}

	// Повторный запрос обслуживается из кэша без восстановления.
	h.handle(item("a3"))
	if ev, ok := h.pub.groupEvent("a3"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа a3: %+v, ожидается SUCCESS", ev)
	}
	if got := len(h.drivers["nearline"].restored); got != 1 {
		t.Errorf("вызовов Restore = %d, ожидается 1", got)
	}
}

// flakyReferences отказывает в первом Create ссылки с заданной контрольной суммой.
type flakyReferences struct {
	repository.FileReferenceRepository
	mu     sync.Mutex
	failOn map[string]bool
}

func (r *flakyReferences) Create(ctx context.Context, ref *model.FileReference) error {
	r.mu.Lock()
	fail := r.failOn[ref.Checksum]
	delete(r.failOn, ref.Checksum)
	r.mu.Unlock()
	if fail {
		return errors.New("соединение с базой разорвано")
	}
	return r.FileReferenceRepository.Create(ctx, ref)
}

func TestReferenceBatchRedeliveredAfterFailure(t *testing.T) {
	h := newHarness(t, withStore(func(store *repository.Store) {
		store.References = &flakyReferences{
			FileReferenceRepository: store.References,
			failOn:                  map[string]bool{"def": true},
		}
	}))
	ctx := context.Background()
	batch := referenceBatch("g1", fileReq("abc", "online", "u1"), fileReq("def", "online", "u1"))

	// Первая доставка обрывается на втором файле, брокер доставит пакет снова.
	if err := h.dispatcher.Handle(ctx, batch); err == nil {
		t.Fatal("Handle() ожидается ошибка записи ссылки")
	}
	g, err := h.store.Groups.Get(ctx, "g1")
	if err != nil || g.Expected != 2 || g.Successes != 1 {
		t.Fatalf("группа после сбоя = %+v, %v", g, err)
	}

	h.handle(batch)

	ev, ok := h.pub.groupEvent("g1")
	if !ok || ev.Status != model.GroupSuccess || ev.SuccessCount != 2 || ev.ErrorCount != 0 {
		t.Fatalf("группа g1 = %+v, ожидается SUCCESS с 2 успехами", ev)
	}
	for _, checksum := range []string{"abc", "def"} {
		if ref := h.reference("online", checksum); ref == nil || !slices.Equal(ref.Owners, []string{"u1"}) {
			t.Errorf("ссылка %s = %+v", checksum, ref)
		}
	}
}

func TestStoreBatchRedelivered(t *testing.T) {
	h := newHarness(t)
	batch := storeBatch("g1", fileReq("abc", "online", "u1"), fileReq("def", "online", "u1"))

	h.handle(batch)
	h.handle(batch)

	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 2 {
		t.Fatalf("повторная доставка: %d запросов, ожидается 2", len(rows))
	}
	if _, ok := h.pub.groupEvent("g1"); ok {
		t.Fatal("группа завершена до выполнения запросов")
	}
	g, _ := h.store.Groups.Get(context.Background(), "g1")
	if g.Expected != 2 || g.Successes != 0 {
		t.Fatalf("группа = %+v, ожидается 2 ожидаемых без результатов", g)
	}

	h.sweep()
	ev, ok := h.pub.groupEvent("g1")
	if !ok || ev.Status != model.GroupSuccess || ev.SuccessCount != 2 {
		t.Errorf("группа g1 = %+v, ожидается SUCCESS с 2 успехами", ev)
	}
}
