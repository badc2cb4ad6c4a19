package driver

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// Location — сконфигурированное хранилище с его драйвером.
type Location struct {
	config.StorageLocation
	Driver Driver
}

// TierOf возвращает уровень хранения хранилища.
func (l *Location) TierOf() model.StorageTier {
	return model.StorageTier(l.Tier)
}

// Factory создаёт драйвер по описанию хранилища.
type Factory func(loc config.StorageLocation) (Driver, error)

// Registry — реестр хранилищ, обновляемый при перечитывании файла хранилищ.
type Registry struct {
	mu        sync.RWMutex
	locations map[string]*Location
	factory   Factory
	logger    *slog.Logger
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	return &Registry{
		locations: make(map[string]*Location),
		factory:   factory,
		logger:    logger.With(slog.String("component", "driver_registry")),
	}
}

// DefaultFactory возвращает фабрику драйверов local и artstore.
func DefaultFactory(source *SourceOpener, logger *slog.Logger) Factory {
	return func(loc config.StorageLocation) (Driver, error) {
		switch loc.Driver {
		case config.DriverLocal:
			return NewLocalDriver(loc.Root, source)
		case config.DriverArtstore:
			return NewArtstoreDriver(loc.ID, loc.URL, loc.Token, loc.CACert, source, logger)
		default:
			return nil, fmt.Errorf("неизвестный драйвер %q хранилища %s", loc.Driver, loc.ID)
		}
	}
}

// Load заменяет набор хранилищ. Драйверы неизменившихся хранилищ сохраняются.
// Хранилище, драйвер которого не удалось создать, пропускается с ошибкой в логе.
func (r *Registry) Load(locs []config.StorageLocation) error {
	next := make(map[string]*Location, len(locs))
	var failed []string

	r.mu.RLock()
	prev := r.locations
	r.mu.RUnlock()

	for _, loc := range locs {
		if old, ok := prev[loc.ID]; ok && old.StorageLocation == loc {
			next[loc.ID] = old
			continue
		}
		drv, err := r.factory(loc)
		if err != nil {
			r.logger.Error("Не удалось создать драйвер хранилища",
				slog.String("storage_id", loc.ID),
				slog.String("driver", loc.Driver),
				slog.String("error", err.Error()),
			)
			failed = append(failed, loc.ID)
			continue
		}
		next[loc.ID] = &Location{StorageLocation: loc, Driver: drv}
	}

	r.mu.Lock()
	r.locations = next
	r.mu.Unlock()

	r.logger.Info("Набор хранилищ обновлён",
		slog.Int("locations", len(next)),
		slog.Int("failed", len(failed)),
	)
	if len(failed) > 0 {
		return fmt.Errorf("не удалось создать драйверы хранилищ: %v", failed)
	}
	return nil
}

// Get возвращает хранилище по ID (в том числе отключённое).
func (r *Registry) Get(id string) (*Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.locations[id]
	return loc, ok
}

// Enabled возвращает включённое хранилище по ID.
func (r *Registry) Enabled(id string) (*Location, bool) {
	loc, ok := r.Get(id)
	if !ok || loc.Disabled {
		return nil, false
	}
	return loc, true
}

// Locations возвращает включённые хранилища, упорядоченные по ID.
func (r *Registry) Locations() []*Location {
	return r.list(false)
}

// All возвращает все хранилища, включая отключённые, упорядоченные по ID.
// Отключённое хранилище не принимает новые файлы, но удаление и
// восстановление из него продолжаются.
func (r *Registry) All() []*Location {
	return r.list(true)
}

func (r *Registry) list(withDisabled bool) []*Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Location, 0, len(r.locations))
	for _, loc := range r.locations {
		if withDisabled || !loc.Disabled {
			out = append(out, loc)
		}
	}
	slices.SortFunc(out, func(a, b *Location) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
