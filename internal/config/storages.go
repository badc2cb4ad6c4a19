package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Драйверы хранилищ.
const (
	DriverLocal    = "local"
	DriverArtstore = "artstore"
)

// StorageLocation — описание одного хранилища из YAML-файла.
type StorageLocation struct {
	// ID — идентификатор хранилища (storageId в запросах)
	ID string `yaml:"id"`
	// Tier — ONLINE или NEARLINE
	Tier string `yaml:"tier"`
	// Driver — local или artstore
	Driver string `yaml:"driver"`
	// Root — корневой каталог (driver: local)
	Root string `yaml:"root,omitempty"`
	// URL — адрес Storage Element (driver: artstore)
	URL string `yaml:"url,omitempty"`
	// Token — bearer-токен для Storage Element (driver: artstore)
	Token string `yaml:"token,omitempty"`
	// CACert — путь к CA-сертификату Storage Element (driver: artstore)
	CACert string `yaml:"ca_cert,omitempty"`
	// Workers — размер пула заданий хранилища
	Workers int `yaml:"workers"`
	// AllocatedSize — выделенный объём в байтах (0 — без мониторинга)
	AllocatedSize int64 `yaml:"allocated_size"`
	// Disabled — хранилище не принимает новые запросы сохранения
	Disabled bool `yaml:"disabled"`
}

// storagesFile — корневой элемент YAML-файла.
type storagesFile struct {
	Storages []StorageLocation `yaml:"storages"`
}

// LoadStorages читает и валидирует файл описания хранилищ.
func LoadStorages(path string) ([]StorageLocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение файла хранилищ %s: %w", path, err)
	}
	return ParseStorages(data)
}

// ParseStorages разбирает и валидирует YAML с описанием хранилищ.
func ParseStorages(data []byte) ([]StorageLocation, error) {
	var f storagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("разбор YAML хранилищ: %w", err)
	}

	seen := make(map[string]bool, len(f.Storages))
	for i := range f.Storages {
		loc := &f.Storages[i]
		if loc.ID == "" {
			return nil, fmt.Errorf("хранилище #%d: id обязателен", i)
		}
		if seen[loc.ID] {
			return nil, fmt.Errorf("хранилище %s: дублирующийся id", loc.ID)
		}
		seen[loc.ID] = true

		if loc.Tier == "" {
			loc.Tier = "ONLINE"
		}
		if loc.Tier != "ONLINE" && loc.Tier != "NEARLINE" {
			return nil, fmt.Errorf("хранилище %s: недопустимый tier %q, допустимые: ONLINE, NEARLINE", loc.ID, loc.Tier)
		}

		switch loc.Driver {
		case DriverLocal:
			if loc.Root == "" {
				return nil, fmt.Errorf("хранилище %s: root обязателен для драйвера local", loc.ID)
			}
		case DriverArtstore:
			if loc.URL == "" {
				return nil, fmt.Errorf("хранилище %s: url обязателен для драйвера artstore", loc.ID)
			}
		default:
			return nil, fmt.Errorf("хранилище %s: недопустимый драйвер %q, допустимые: local, artstore", loc.ID, loc.Driver)
		}

		if loc.Workers == 0 {
			loc.Workers = 2
		}
		if loc.Workers < 1 || loc.Workers > 64 {
			return nil, fmt.Errorf("хранилище %s: workers %d вне допустимого диапазона 1-64", loc.ID, loc.Workers)
		}
		if loc.AllocatedSize < 0 {
			return nil, fmt.Errorf("хранилище %s: allocated_size не может быть отрицательным", loc.ID)
		}
	}

	return f.Storages, nil
}

// StoragesWatcher перечитывает файл хранилищ при его изменении.
// Изменения объединяются с задержкой debounce; невалидный файл
// логируется и не применяется.
type StoragesWatcher struct {
	path     string
	debounce time.Duration
	onChange func([]StorageLocation)
	logger   *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStoragesWatcher создаёт наблюдатель за файлом хранилищ.
func NewStoragesWatcher(path string, debounce time.Duration, onChange func([]StorageLocation), logger *slog.Logger) *StoragesWatcher {
	return &StoragesWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "storages_watcher")),
		stopCh:   make(chan struct{}),
	}
}

// Start начинает отслеживать каталог файла хранилищ.
// Наблюдение за каталогом, а не файлом, переживает атомарную замену файла (rename).
func (w *StoragesWatcher) Start() error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("создание fsnotify watcher: %w", err)
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return fmt.Errorf("наблюдение за %s: %w", filepath.Dir(w.path), err)
	}

	go w.watchLoop(fsWatcher)

	w.logger.Info("Отслеживание файла хранилищ запущено", slog.String("path", w.path))
	return nil
}

// Stop останавливает наблюдение.
func (w *StoragesWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

func (w *StoragesWatcher) watchLoop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Ошибка fsnotify", slog.String("error", err.Error()))
		}
	}
}

func (w *StoragesWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *StoragesWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.reload()
	})
}

func (w *StoragesWatcher) reload() {
	locations, err := LoadStorages(w.path)
	if err != nil {
		w.logger.Error("Файл хранилищ не применён",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("Файл хранилищ перечитан", slog.Int("storages", len(locations)))
	w.onChange(locations)
}
