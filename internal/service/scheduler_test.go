package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository/memstore"
)

func TestRetryAfterStoreError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drivers["online"].setStoreErr(errors.New("диск недоступен"))
	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.sweep()

	rows := h.storageRows(repository.RequestFilter{})
	if len(rows) != 1 || rows[0].Status != model.StatusError {
		t.Fatalf("ожидается 1 запрос ERROR, получено %+v", rows)
	}
	if got := len(h.pub.fileEvents(model.EventStoreError)); got != 1 {
		t.Errorf("событий STORE_ERROR = %d, ожидается 1", got)
	}
	if ev, ok := h.pub.groupEvent("g1"); !ok || ev.Status != model.GroupError {
		t.Fatalf("группа g1: %+v, ожидается ERROR", ev)
	}

	h.drivers["online"].setStoreErr(nil)
	h.handle(model.RetryBatch{Tenant: "t1", Items: []model.RetryFlowItem{{GroupID: "g1"}}})

	rows = h.storageRows(repository.RequestFilter{})
	if len(rows) != 1 || rows[0].Status != model.StatusToDo {
		t.Fatalf("после повтора ожидается TO_DO, получено %+v", rows)
	}

	h.sweep()
	if h.reference("online", "abc") == nil {
		t.Fatal("ссылка не создана после повтора")
	}
	if ev, ok := h.pub.groupEvent("g1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа g1 после повтора: %+v, ожидается SUCCESS", ev)
	}
	trace := h.pub.sessionTrace("s-u1")
	if !slices.Contains(trace, "REQUESTS_ERRORS:-1") {
		t.Errorf("счётчик ошибок не уменьшен при повторе: %v", trace)
	}

	res, err := h.dispatcher.Retry().Retry(ctx, repository.RequestFilter{GroupID: "g1"}, "")
	if err != nil {
		t.Fatalf("Retry() ошибка: %v", err)
	}
	if res.Total() != 0 {
		t.Errorf("повтор без ошибок переоткрыл %d запросов", res.Total())
	}
}

func TestRetryRequiresFilter(t *testing.T) {
	h := newHarness(t)

	_, err := h.dispatcher.Retry().Retry(context.Background(), repository.RequestFilter{}, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Retry() = %v, ожидается ErrValidation", err)
	}
}

func TestRetryByOwners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drivers["online"].setStoreErr(errors.New("нет места"))
	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.handle(storeBatch("g2", fileReq("def", "online", "u2")))
	h.sweep()
	h.drivers["online"].setStoreErr(nil)

	res, err := h.dispatcher.Retry().Retry(ctx, repository.RequestFilter{Owners: []string{"u2"}}, model.RequestStorage)
	if err != nil {
		t.Fatalf("Retry() ошибка: %v", err)
	}
	if res.Storage != 1 {
		t.Errorf("Storage = %d, ожидается 1", res.Storage)
	}
	errRows := h.storageRows(repository.RequestFilter{Status: model.StatusError})
	if len(errRows) != 1 || errRows[0].Owner != "u1" {
		t.Errorf("в ERROR должен остаться только запрос u1: %+v", errRows)
	}
}

func TestDeletionLockBlocksScheduler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(storeBatch("g1", fileReq("abc", "online", "A")))
	h.sweep()
	h.handle(deletionBatch("d1", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "A"}))

	state, err := h.lock.Hold(ctx, "ops", time.Minute)
	if err != nil {
		t.Fatalf("Hold() ошибка: %v", err)
	}
	if !state.Held || state.Holder != "ops" {
		t.Errorf("состояние блокировки = %+v", state)
	}

	res := h.sweep()
	if res.DeletionJobs != 0 {
		t.Errorf("при удерживаемой блокировке DeletionJobs = %d", res.DeletionJobs)
	}
	if h.reference("online", "abc") == nil {
		t.Fatal("ссылка удалена при удерживаемой блокировке")
	}

	if err := h.lock.Release(ctx, "ops"); err != nil {
		t.Fatalf("Release() ошибка: %v", err)
	}
	res = h.sweep()
	if res.DeletionJobs != 1 {
		t.Errorf("после снятия блокировки DeletionJobs = %d, ожидается 1", res.DeletionJobs)
	}
	if h.reference("online", "abc") != nil {
		t.Error("ссылка не удалена после снятия блокировки")
	}
}

func TestDeletionLockOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.lock.Hold(ctx, "ops", time.Minute); err != nil {
		t.Fatalf("Hold() ошибка: %v", err)
	}
	if _, err := h.lock.Hold(ctx, "other", time.Minute); !errors.Is(err, ErrLockBusy) {
		t.Errorf("Hold() другим владельцем = %v, ожидается ErrLockBusy", err)
	}
	if err := h.lock.Release(ctx, "other"); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Release() чужой блокировки = %v, ожидается ErrLockNotHeld", err)
	}
}

func TestDeletionErrorAndForce(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		wantGroup model.GroupStatus
		wantRef   bool
	}{
		{name: "ошибка без force", force: false, wantGroup: model.GroupError, wantRef: true},
		{name: "ошибка с force", force: true, wantGroup: model.GroupSuccess, wantRef: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.handle(storeBatch("g1", fileReq("abc", "online", "A")))
			h.sweep()

			h.drivers["online"].setDelErr(errors.New("нет доступа"))
			h.handle(deletionBatch("d1", model.DeletionFile{Checksum: "abc", StorageID: "online", Owner: "A", Force: tt.force}))
			h.sweep()

			if got := len(h.pub.fileEvents(model.EventDeletionError)); got != 1 {
				t.Errorf("событий DELETION_ERROR = %d, ожидается 1", got)
			}
			if ev, ok := h.pub.groupEvent("d1"); !ok || ev.Status != tt.wantGroup {
				t.Errorf("группа d1: %+v, ожидается %s", ev, tt.wantGroup)
			}
			if got := h.reference("online", "abc") != nil; got != tt.wantRef {
				t.Errorf("ссылка существует = %v, ожидается %v", got, tt.wantRef)
			}
		})
	}
}

func TestGroupExpiry(t *testing.T) {
	h := newHarness(t, withGroupExpiration(time.Minute))

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.groups.now = func() time.Time { return time.Now().Add(time.Hour) }

	res := h.sweep()
	if res.ExpiredGroups != 1 {
		t.Errorf("ExpiredGroups = %d, ожидается 1", res.ExpiredGroups)
	}
	if res.StorageJobs != 0 {
		t.Errorf("запрос истёкшей группы запланирован: StorageJobs = %d", res.StorageJobs)
	}
	rows := h.storageRows(repository.RequestFilter{})
	if len(rows) != 1 || rows[0].Status != model.StatusError || rows[0].ErrorCause != causeGroupExpired {
		t.Errorf("запрос истёкшей группы: %+v", rows)
	}
	ev, ok := h.pub.groupEvent("g1")
	if !ok || ev.Status != model.GroupError {
		t.Fatalf("группа g1: %+v, ожидается ERROR", ev)
	}
	if len(ev.ErrorDetails) != 1 || ev.ErrorDetails[0].Cause != causeGroupExpired {
		t.Errorf("ErrorDetails = %+v", ev.ErrorDetails)
	}
}

func TestCacheFullKeepsRequestPending(t *testing.T) {
	h := newHarness(t, withCacheMaxSize(10))
	ctx := context.Background()

	h.handle(referenceBatch("r1", fileReq("abc", "nearline", "u1")))
	h.handle(model.AvailabilityBatch{Tenant: "t1", Items: []model.AvailabilityFlowItem{{
		GroupID: "a1", Checksums: []string{"abc"}, Expiration: time.Now().Add(time.Hour),
	}}})

	res := h.sweep()
	if res.CacheJobs != 0 {
		t.Errorf("CacheJobs = %d, ожидается 0", res.CacheJobs)
	}
	rows, err := h.store.CacheRequests.List(ctx, repository.RequestFilter{})
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != model.StatusToDo {
		t.Errorf("запрос восстановления должен остаться TO_DO: %+v", rows)
	}
	if _, ok := h.pub.groupEvent("a1"); ok {
		t.Error("группа a1 завершена при заполненном кэше")
	}
}

func TestSchedulerBusy(t *testing.T) {
	h := newHarness(t)

	h.scheduler.mu.Lock()
	_, err := h.scheduler.RunOnce(context.Background())
	h.scheduler.mu.Unlock()

	if !errors.Is(err, ErrSchedulerBusy) {
		t.Errorf("RunOnce() = %v, ожидается ErrSchedulerBusy", err)
	}
}

func TestStorageBackoff(t *testing.T) {
	s := &storageScheduler{delayBase: time.Second, delayMax: 10 * time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, ожидается %v", tt.n, got, tt.want)
		}
	}
}

func TestLedgerQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drivers["online"].setStoreErr(errors.New("сбой"))
	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.sweep()
	h.handle(referenceBatch("r1", fileReq("def", "nearline", "u2")))
	h.handle(model.AvailabilityBatch{Tenant: "t1", Items: []model.AvailabilityFlowItem{{
		GroupID: "a1", Checksums: []string{"def"}, Expiration: time.Now().Add(time.Hour),
	}}})

	all, err := h.ledger.Query(ctx, "", repository.RequestFilter{})
	if err != nil {
		t.Fatalf("Query() ошибка: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Query() вернул %d записей, ожидается 2", len(all))
	}

	errs, err := h.ledger.Query(ctx, "", repository.RequestFilter{Status: model.StatusError})
	if err != nil {
		t.Fatalf("Query() ошибка: %v", err)
	}
	if len(errs) != 1 || errs[0].Type != model.RequestStorage || errs[0].Checksum != "abc" {
		t.Errorf("ожидается 1 запрос сохранения в ERROR: %+v", errs)
	}

	byOwner, err := h.ledger.Query(ctx, "", repository.RequestFilter{Owners: []string{"u1"}})
	if err != nil {
		t.Fatalf("Query() ошибка: %v", err)
	}
	if len(byOwner) != 1 {
		t.Errorf("фильтр по владельцу вернул %d записей, ожидается 1", len(byOwner))
	}

	if _, err := h.ledger.Query(ctx, model.RequestRetry, repository.RequestFilter{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Query(RETRY) = %v, ожидается ErrValidation", err)
	}
}

func TestStorageMonitorLevels(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	reg := driver.NewRegistry(func(config.StorageLocation) (driver.Driver, error) {
		return newFakeDriver(), nil
	}, testLogger())
	err := reg.Load([]config.StorageLocation{
		{ID: "a", Tier: "ONLINE", Driver: "fake", Workers: 1, AllocatedSize: 1000},
		{ID: "b", Tier: "ONLINE", Driver: "fake", Workers: 1, AllocatedSize: 100},
		{ID: "c", Tier: "ONLINE", Driver: "fake", Workers: 1},
	})
	if err != nil {
		t.Fatalf("Load() ошибка: %v", err)
	}

	for _, ref := range []*model.FileReference{
		{StorageID: "a", Checksum: "x", Size: 850, Tier: model.TierOnline, Owners: []string{"u"}},
		{StorageID: "b", Checksum: "y", Size: 99, Tier: model.TierOnline, Owners: []string{"u"}},
		{StorageID: "c", Checksum: "z", Size: 5, Tier: model.TierOnline, Owners: []string{"u"}},
	} {
		if err := store.References.Create(ctx, ref); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}

	m := NewStorageMonitor(store.References, reg, time.Minute, 80, 95, testLogger())
	reports, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}

	want := map[string]string{"a": UsageWarning, "b": UsageCritical, "c": UsageOK}
	if len(reports) != len(want) {
		t.Fatalf("получено %d отчётов, ожидается %d", len(reports), len(want))
	}
	for _, r := range reports {
		if r.Level != want[r.StorageID] {
			t.Errorf("%s: Level = %s, ожидается %s", r.StorageID, r.Level, want[r.StorageID])
		}
	}
	if reports[0].StorageID != "a" || reports[0].Used != 850 || reports[0].Files != 1 {
		t.Errorf("отчёт хранилища a = %+v", reports[0])
	}
	if got := m.Report(); len(got) != 3 {
		t.Errorf("Report() вернул %d отчётов", len(got))
	}
}

func TestDepName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"se-01", "se-01"},
		{"Archive_Main", "archive-main"},
		{"01-tape", "se-01-tape"},
		{"--", "unknown-se"},
		{"a..b", "a-b"},
	}
	for _, tt := range tests {
		if got := depName(tt.in); got != tt.want {
			t.Errorf("depName(%q) = %q, ожидается %q", tt.in, got, tt.want)
		}
	}
}

// advance сдвигает часы планировщиков хранилищ на d вперёд.
func (h *harness) advance(d time.Duration) {
	now := time.Now().Add(d)
	h.scheduler.storage.now = func() time.Time { return now }
	h.scheduler.now = func() time.Time { return now }
}

func TestRetriedRequestWaitsForRunningSibling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drivers["online"].setStoreErr(errors.New("диск недоступен"))
	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.handle(storeBatch("g2", fileReq("abc", "online", "u2")))
	h.sweep()

	u1, err := h.store.StorageRequests.GetByKey(ctx, "abc", "online", "u1")
	if err != nil || u1.Status != model.StatusError {
		t.Fatalf("запрос u1 = %+v, %v; ожидается ERROR", u1, err)
	}
	// Отложенный запрос u2 выполняет другой экземпляр.
	u2, _ := h.store.StorageRequests.GetByKey(ctx, "abc", "online", "u2")
	if claimed, _ := h.store.StorageRequests.ClaimRunning(ctx, []int64{u2.ID}); len(claimed) != 1 {
		t.Fatalf("запрос u2 не захвачен: %v", claimed)
	}

	h.drivers["online"].setStoreErr(nil)
	h.handle(model.RetryBatch{Tenant: "t1", Items: []model.RetryFlowItem{{GroupID: "g1"}}})
	calls := h.drivers["online"].storeCalls()

	res := h.sweep()
	if res.StorageJobs != 0 {
		t.Errorf("StorageJobs = %d, переоткрытый запрос запущен при выполняющемся u2", res.StorageJobs)
	}
	if got := h.drivers["online"].storeCalls(); got != calls {
		t.Errorf("вызовов Store = %d, ожидается %d", got, calls)
	}
	u1, _ = h.store.StorageRequests.GetByKey(ctx, "abc", "online", "u1")
	if u1.Status != model.StatusToDo || !u1.Delayed() || u1.Postponed != 1 {
		t.Errorf("запрос u1 = %+v, ожидается отложенный TO_DO", u1)
	}
}

func TestDelayedRequestFoldsIntoStoredCopy(t *testing.T) {
	h := newHarness(t)

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.handle(storeBatch("g2", fileReq("abc", "online", "u2")))

	if res := h.sweep(); res.StorageJobs != 1 {
		t.Fatalf("StorageJobs = %d, ожидается 1", res.StorageJobs)
	}
	if ev, ok := h.pub.groupEvent("g1"); !ok || ev.Status != model.GroupSuccess {
		t.Fatalf("группа g1 = %+v, ожидается SUCCESS", ev)
	}
	if _, ok := h.pub.groupEvent("g2"); ok {
		t.Fatal("группа g2 завершена до истечения отсрочки")
	}

	h.advance(2 * time.Second)
	if res := h.sweep(); res.StorageJobs != 1 {
		t.Fatalf("после отсрочки StorageJobs = %d, ожидается 1", res.StorageJobs)
	}

	if got := h.drivers["online"].storeCalls(); got != 1 {
		t.Errorf("вызовов Store = %d, ожидается 1", got)
	}
	ref := h.reference("online", "abc")
	if ref == nil || !slices.Equal(ref.Owners, []string{"u1", "u2"}) {
		t.Fatalf("ссылка = %+v, ожидаются владельцы [u1 u2]", ref)
	}
	if rows := h.storageRows(repository.RequestFilter{}); len(rows) != 0 {
		t.Errorf("в журнале осталось %d запросов", len(rows))
	}
	if ev, ok := h.pub.groupEvent("g2"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа g2 = %+v, ожидается SUCCESS", ev)
	}
}

func TestIntakeDuringRunningJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entered, release := h.drivers["online"].block()
	defer release()

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	if _, err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("задание не вызвало Store")
	}

	// Пока u1 в драйвере, приходит тот же файл от u2.
	h.handle(storeBatch("g2", fileReq("abc", "online", "u2")))
	u2, err := h.store.StorageRequests.GetByKey(ctx, "abc", "online", "u2")
	if err != nil || !u2.Delayed() {
		t.Fatalf("запрос u2 = %+v, %v; ожидается отложенный", u2, err)
	}

	// Отсрочка истекла, но u1 ещё выполняется: u2 снова откладывается.
	h.advance(2 * time.Second)
	res, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if res.StorageJobs != 0 {
		t.Errorf("StorageJobs = %d при выполняющемся u1", res.StorageJobs)
	}

	release()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.pools.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() ошибка: %v", err)
	}

	h.advance(time.Minute)
	h.sweep()

	if got := h.drivers["online"].storeCalls(); got != 1 {
		t.Errorf("вызовов Store = %d, ожидается 1", got)
	}
	ref := h.reference("online", "abc")
	if ref == nil || !slices.Equal(ref.Owners, []string{"u1", "u2"}) {
		t.Fatalf("ссылка = %+v, ожидаются владельцы [u1 u2]", ref)
	}
	for _, g := range []string{"g1", "g2"} {
		if ev, ok := h.pub.groupEvent(g); !ok || ev.Status != model.GroupSuccess {
			t.Errorf("группа %s = %+v, ожидается SUCCESS", g, ev)
		}
	}
}

func TestStaleRunningRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	row, _ := h.store.StorageRequests.GetByKey(ctx, "abc", "online", "u1")
	// Экземпляр, захвативший запрос, остановился аварийно.
	if claimed, _ := h.store.StorageRequests.ClaimRunning(ctx, []int64{row.ID}); len(claimed) != 1 {
		t.Fatal("запрос не захвачен")
	}

	if res := h.sweep(); res.StaleRequests != 0 || res.StorageJobs != 0 {
		t.Fatalf("до таймаута: StaleRequests = %d, StorageJobs = %d", res.StaleRequests, res.StorageJobs)
	}

	h.advance(time.Hour)
	res := h.sweep()
	if res.StaleRequests != 1 {
		t.Fatalf("StaleRequests = %d, ожидается 1", res.StaleRequests)
	}
	row, _ = h.store.StorageRequests.GetByKey(ctx, "abc", "online", "u1")
	if row.Status != model.StatusError || row.ErrorCause != causeJobLost {
		t.Fatalf("запрос = %+v, ожидается ERROR", row)
	}
	ev, ok := h.pub.groupEvent("g1")
	if !ok || ev.Status != model.GroupError || len(ev.ErrorDetails) != 1 || ev.ErrorDetails[0].Cause != causeJobLost {
		t.Fatalf("группа g1 = %+v, ожидается ERROR с причиной %q", ev, causeJobLost)
	}

	h.handle(model.RetryBatch{Tenant: "t1", Items: []model.RetryFlowItem{{GroupID: "g1"}}})
	h.sweep()
	if h.reference("online", "abc") == nil {
		t.Fatal("ссылка не создана после повтора")
	}
	if ev, ok := h.pub.groupEvent("g1"); !ok || ev.Status != model.GroupSuccess {
		t.Errorf("группа g1 после повтора = %+v, ожидается SUCCESS", ev)
	}
}

func TestJobTimeoutFailsRequest(t *testing.T) {
	h := newHarness(t, withJobTimeout(100*time.Millisecond))
	_, release := h.drivers["online"].block()
	defer release()

	h.handle(storeBatch("g1", fileReq("abc", "online", "u1")))
	h.sweep()

	rows := h.storageRows(repository.RequestFilter{})
	if len(rows) != 1 || rows[0].Status != model.StatusError {
		t.Fatalf("запрос после таймаута задания: %+v", rows)
	}
	if ev, ok := h.pub.groupEvent("g1"); !ok || ev.Status != model.GroupError {
		t.Errorf("группа g1 = %+v, ожидается ERROR", ev)
	}
	if trace := h.pub.sessionTrace("s-u1"); !slices.Contains(trace, "REQUESTS_ERRORS:+1") {
		t.Errorf("ошибка не учтена в сессии: %v", trace)
	}
}
