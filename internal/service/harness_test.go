package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/locking"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingPublisher запоминает опубликованные события.
type recordingPublisher struct {
	mu       sync.Mutex
	files    []model.FileEvent
	groups   []model.GroupEvent
	sessions []model.SessionEvent
}

func (p *recordingPublisher) PublishFile(_ context.Context, ev model.FileEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append(p.files, ev)
	return nil
}

func (p *recordingPublisher) PublishGroup(_ context.Context, ev model.GroupEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = append(p.groups, ev)
	return nil
}

func (p *recordingPublisher) PublishSession(_ context.Context, ev model.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, ev)
	return nil
}

func (p *recordingPublisher) fileEvents(typ model.FileEventType) []model.FileEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.FileEvent
	for _, ev := range p.files {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) groupEvent(groupID string) (model.GroupEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.groups) - 1; i >= 0; i-- {
		if p.groups[i].GroupID == groupID {
			return p.groups[i], true
		}
	}
	return model.GroupEvent{}, false
}

// sessionTrace возвращает приращения сессии в порядке публикации: "METRIC:+1".
func (p *recordingPublisher) sessionTrace(session string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.sessions {
		if ev.Session != session {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%+d", ev.Metric, ev.Delta))
	}
	return out
}

// fakeDriver — драйвер хранилища в памяти.
type fakeDriver struct {
	mu       sync.Mutex
	storeErr error
	delErr   error
	stored   map[string]bool
	stores   int
	deleted  []string
	restored []string
	// gate задерживает Store до закрытия; entered получает сигнал входа в Store
	gate    chan struct{}
	entered chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{stored: make(map[string]bool)}
}

func (d *fakeDriver) Store(ctx context.Context, req driver.StoreRequest) (driver.StoreResult, error) {
	d.mu.Lock()
	gate, entered := d.gate, d.entered
	d.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return driver.StoreResult{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stores++
	if d.storeErr != nil {
		return driver.StoreResult{}, d.storeErr
	}
	uri := "fake://" + req.Checksum + "/" + req.Owner
	d.stored[uri] = true
	return driver.StoreResult{PhysicalURI: uri, Size: req.Size}, nil
}

// block задерживает последующие вызовы Store. Возвращает канал входа
// в Store и функцию, отпускающую задержанные вызовы.
func (d *fakeDriver) block() (<-chan struct{}, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	d.gate, d.entered = gate, make(chan struct{}, 16)
	var once sync.Once
	return d.entered, func() {
		once.Do(func() {
			d.mu.Lock()
			d.gate = nil
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *fakeDriver) storeCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stores
}

func (d *fakeDriver) Delete(_ context.Context, physicalURI string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delErr != nil {
		return d.delErr
	}
	delete(d.stored, physicalURI)
	d.deleted = append(d.deleted, physicalURI)
	return nil
}

func (d *fakeDriver) Restore(_ context.Context, req driver.RestoreRequest) (driver.RestoreResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restored = append(d.restored, req.PhysicalURI)
	return driver.RestoreResult{CachedURI: "file://" + req.CacheDir + "/" + req.Checksum}, nil
}

func (d *fakeDriver) setStoreErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storeErr = err
}

func (d *fakeDriver) setDelErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delErr = err
}

func (d *fakeDriver) deletedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deleted)
}

// harness — сервисный слой поверх хранилища в памяти.
type harness struct {
	t          *testing.T
	store      *repository.Store
	registry   *driver.Registry
	drivers    map[string]*fakeDriver
	pub        *recordingPublisher
	groups     *GroupTracker
	cache      *CacheService
	lock       *DeletionLock
	pools      *WorkerPools
	dispatcher *FlowDispatcher
	scheduler  *Scheduler
	ledger     *Ledger
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	maxItems     int
	cacheMaxSize int64
	expiration   time.Duration
	jobTimeout   time.Duration
	wrapStore    func(*repository.Store)
}

func withMaxItems(n int) harnessOption { return func(c *harnessConfig) { c.maxItems = n } }

func withCacheMaxSize(n int64) harnessOption { return func(c *harnessConfig) { c.cacheMaxSize = n } }

func withGroupExpiration(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.expiration = d }
}

func withJobTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.jobTimeout = d }
}

// withStore подменяет репозитории до создания сервисов.
func withStore(wrap func(*repository.Store)) harnessOption {
	return func(c *harnessConfig) { c.wrapStore = wrap }
}

// Хранилища по умолчанию: online (ONLINE), nearline (NEARLINE), off (отключено).
func defaultLocations() []config.StorageLocation {
	return []config.StorageLocation{
		{ID: "online", Tier: "ONLINE", Driver: "fake", Workers: 2},
		{ID: "nearline", Tier: "NEARLINE", Driver: "fake", Workers: 2},
		{ID: "off", Tier: "ONLINE", Driver: "fake", Workers: 1, Disabled: true},
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{cacheMaxSize: 1 << 30, jobTimeout: time.Minute}
	for _, o := range opts {
		o(&cfg)
	}
	logger := testLogger()
	ctx := context.Background()

	h := &harness{
		t:       t,
		store:   memstore.New(),
		drivers: make(map[string]*fakeDriver),
		pub:     &recordingPublisher{},
	}
	if cfg.wrapStore != nil {
		cfg.wrapStore(h.store)
	}
	h.registry = driver.NewRegistry(func(loc config.StorageLocation) (driver.Driver, error) {
		d := newFakeDriver()
		h.drivers[loc.ID] = d
		return d, nil
	}, logger)
	if err := h.registry.Load(defaultLocations()); err != nil {
		t.Fatalf("Load() ошибка: %v", err)
	}

	events := NewEvents(h.pub, "t1", logger)
	sessions := NewSessionNotifier(h.pub, "t1", logger)
	h.groups = NewGroupTracker(h.store, events, sessions, cfg.expiration, logger)
	refs := NewReferences(h.store, h.groups, sessions, logger)
	h.cache = NewCacheService(h.store.CacheFiles, t.TempDir(), cfg.cacheMaxSize, time.Minute, logger)
	h.lock = NewDeletionLock(locking.NewMemoryLocker(), "test", time.Minute, 300*time.Millisecond, time.Hour, logger)
	h.pools = NewWorkerPools(ctx, cfg.jobTimeout, logger)
	inFlight := locking.NewKeyedMutex()

	h.dispatcher = NewFlowDispatcher(FlowDeps{
		Store:      h.store,
		Locations:  h.registry,
		Groups:     h.groups,
		Sessions:   sessions,
		Events:     events,
		References: refs,
		Cache:      h.cache,
		InFlight:   inFlight,
		Lock:       h.lock,
	}, FlowSettings{MaxItems: cfg.maxItems, StoreDelayBase: time.Second}, logger)

	h.scheduler = NewScheduler(SchedulerDeps{
		Store:      h.store,
		Locations:  h.registry,
		Groups:     h.groups,
		Sessions:   sessions,
		Events:     events,
		References: refs,
		Cache:      h.cache,
		InFlight:   inFlight,
		Lock:       h.lock,
		Pools:      h.pools,
	}, SchedulerSettings{
		Interval:       time.Hour,
		BulkSize:       10,
		StoreDelayBase: time.Second,
		StoreDelayMax:  time.Minute,
		PurgeBulk:      10,
		JobTimeout:     cfg.jobTimeout,
	}, logger)
	h.ledger = NewLedger(h.store)
	return h
}

// handle передаёт пакет диспетчеру и требует успешной обработки.
func (h *harness) handle(batch model.Batch) {
	h.t.Helper()
	if err := h.dispatcher.Handle(context.Background(), batch); err != nil {
		h.t.Fatalf("Handle(%s) ошибка: %v", batch.Kind(), err)
	}
}

// sweep выполняет проход планировщиков и ждёт завершения заданий.
func (h *harness) sweep() *SweepResult {
	h.t.Helper()
	ctx := context.Background()
	res, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		h.t.Fatalf("RunOnce() ошибка: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.pools.Wait(waitCtx); err != nil {
		h.t.Fatalf("Wait() ошибка: %v", err)
	}
	return res
}

func (h *harness) storageRows(f repository.RequestFilter) []*model.StorageRequest {
	h.t.Helper()
	rows, err := h.store.StorageRequests.List(context.Background(), f)
	if err != nil {
		h.t.Fatalf("List() ошибка: %v", err)
	}
	return rows
}

func (h *harness) reference(storageID, checksum string) *model.FileReference {
	h.t.Helper()
	ref, err := h.store.References.Get(context.Background(), storageID, checksum)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("Get() ошибка: %v", err)
	}
	return ref
}

func storeBatch(groupID string, files ...model.FileRequest) model.StoreBatch {
	return model.StoreBatch{Tenant: "t1", Items: []model.StoreFlowItem{{GroupID: groupID, Files: files}}}
}

func referenceBatch(groupID string, files ...model.FileRequest) model.ReferenceBatch {
	return model.ReferenceBatch{Tenant: "t1", Items: []model.ReferenceFlowItem{{GroupID: groupID, Files: files}}}
}

func deletionBatch(groupID string, files ...model.DeletionFile) model.DeletionBatch {
	return model.DeletionBatch{Tenant: "t1", Items: []model.DeletionFlowItem{{GroupID: groupID, Files: files}}}
}

func fileReq(checksum, storageID, owner string) model.FileRequest {
	return model.FileRequest{
		Filename:     checksum + ".bin",
		Checksum:     checksum,
		Algorithm:    "SHA-256",
		Size:         100,
		Owner:        owner,
		StorageID:    storageID,
		SourceURI:    "file:///data/" + checksum,
		SessionOwner: "alice",
		Session:      "s-" + owner,
	}
}
