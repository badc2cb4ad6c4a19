// Пакет memstore — хранилище записей в памяти процесса.
// Используется при FO_STORE_BACKEND=memory и в модульных тестах сервисов.
// Все операции выполняются под одним мьютексом и возвращают копии записей.
package memstore

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// DB — состояние хранилища в памяти.
type DB struct {
	mu  sync.Mutex
	seq int64
	now func() time.Time

	refs       map[int64]*model.FileReference
	storage    map[int64]*model.StorageRequest
	deletion   map[int64]*model.DeletionRequest
	cache      map[int64]*model.CacheRequest
	cacheFiles map[string]*model.CacheFile
	groups     map[string]*model.RequestGroup
	items      map[string]map[string]model.GroupItem
	results    map[string][]model.GroupResult
}

// Option — опция DB.
type Option func(*DB)

// WithClock задаёт источник текущего времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// NewDB создаёт пустое хранилище.
func NewDB(opts ...Option) *DB {
	d := &DB{
		now:        time.Now,
		refs:       make(map[int64]*model.FileReference),
		storage:    make(map[int64]*model.StorageRequest),
		deletion:   make(map[int64]*model.DeletionRequest),
		cache:      make(map[int64]*model.CacheRequest),
		cacheFiles: make(map[string]*model.CacheFile),
		groups:     make(map[string]*model.RequestGroup),
		items:      make(map[string]map[string]model.GroupItem),
		results:    make(map[string][]model.GroupResult),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// New создаёт набор репозиториев поверх нового хранилища в памяти.
func New(opts ...Option) *repository.Store {
	return NewDB(opts...).Store()
}

// Store возвращает набор репозиториев поверх хранилища.
func (d *DB) Store() *repository.Store {
	return &repository.Store{
		References:       &references{d},
		StorageRequests:  &storageRequests{d},
		DeletionRequests: &deletionRequests{d},
		CacheRequests:    &cacheRequests{d},
		CacheFiles:       &cacheFiles{d},
		Groups:           &groups{d},
	}
}

func (d *DB) nextID() int64 {
	d.seq++
	return d.seq
}

// matchFilter проверяет запись журнала на соответствие фильтру.
// owner пустой — таблица не хранит владельца, фильтр по владельцам
// в этом случае не применяется.
func matchFilter(f repository.RequestFilter, groupIDs []string, owner, storageID string, status model.RequestStatus) bool {
	if f.GroupID != "" && !slices.Contains(groupIDs, f.GroupID) {
		return false
	}
	if len(f.Owners) > 0 && owner != "" && !slices.Contains(f.Owners, owner) {
		return false
	}
	if f.StorageID != "" && f.StorageID != storageID {
		return false
	}
	if f.Status != "" && f.Status != status {
		return false
	}
	return true
}

// sortedByID возвращает значения карты, упорядоченные по ID.
func sortedByID[T any](m map[int64]*T, id func(*T) int64) []*T {
	out := make([]*T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *T) int { return cmp.Compare(id(a), id(b)) })
	return out
}

// dropGroup удаляет группу с элементами и результатами.
func (d *DB) dropGroup(groupID string) {
	delete(d.groups, groupID)
	delete(d.items, groupID)
	delete(d.results, groupID)
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
