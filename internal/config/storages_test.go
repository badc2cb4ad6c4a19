package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validStorages = `
storages:
  - id: disk-online
    tier: ONLINE
    driver: local
    root: /data/online
    workers: 4
    allocated_size: 1073741824
  - id: tape
    tier: NEARLINE
    driver: local
    root: /data/tape
  - id: se-1
    driver: artstore
    url: https://se1.kryukov.lan:8010
    token: secret
    disabled: true
`

func TestParseStorages_Valid(t *testing.T) {
	locs, err := ParseStorages([]byte(validStorages))
	if err != nil {
		t.Fatalf("ParseStorages: %v", err)
	}
	if len(locs) != 3 {
		t.Fatalf("len = %d, ожидается 3", len(locs))
	}
	if locs[0].Workers != 4 || locs[0].AllocatedSize != 1<<30 {
		t.Errorf("disk-online = %+v", locs[0])
	}
	if locs[1].Workers != 2 {
		t.Errorf("Workers по умолчанию = %d, ожидается 2", locs[1].Workers)
	}
	if locs[2].Tier != "ONLINE" {
		t.Errorf("Tier по умолчанию = %q, ожидается ONLINE", locs[2].Tier)
	}
	if !locs[2].Disabled {
		t.Error("se-1 должен быть отключён")
	}
}

func TestParseStorages_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"без id", "storages:\n  - driver: local\n    root: /x\n", "id обязателен"},
		{"дубликат", "storages:\n  - {id: a, driver: local, root: /x}\n  - {id: a, driver: local, root: /y}\n", "дублирующийся"},
		{"tier", "storages:\n  - {id: a, tier: CACHE, driver: local, root: /x}\n", "tier"},
		{"драйвер", "storages:\n  - {id: a, driver: s3}\n", "драйвер"},
		{"local без root", "storages:\n  - {id: a, driver: local}\n", "root"},
		{"artstore без url", "storages:\n  - {id: a, driver: artstore}\n", "url"},
		{"workers", "storages:\n  - {id: a, driver: local, root: /x, workers: 100}\n", "workers"},
		{"битый yaml", "storages: [", "YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStorages([]byte(tt.yaml))
			if err == nil {
				t.Fatal("ожидается ошибка")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ошибка %q не содержит %q", err, tt.want)
			}
		})
	}
}

func TestLoadStorages_MissingFile(t *testing.T) {
	if _, err := LoadStorages(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("ожидается ошибка для отсутствующего файла")
	}
}

func TestStoragesWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storages.yaml")
	if err := os.WriteFile(path, []byte(validStorages), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan []StorageLocation, 4)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewStoragesWatcher(path, 20*time.Millisecond, func(locs []StorageLocation) {
		changes <- locs
	}, logger)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Невалидное содержимое не применяется
	if err := os.WriteFile(path, []byte("storages: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	updated := "storages:\n  - {id: only, driver: local, root: /x}\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case locs := <-changes:
		if len(locs) != 1 || locs[0].ID != "only" {
			t.Errorf("получено %+v, ожидается одно хранилище only", locs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("изменение файла не обнаружено")
	}
}
