package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// writeSource создаёт исходный файл и возвращает его file:// URI.
func writeSource(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return fileURI(path)
}

func TestSupportedSource(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"file:///data/in/a.bin", true},
		{"http://example.com/a.bin", true},
		{"https://example.com/a.bin", true},
		{"ftp://example.com/a.bin", false},
		{"s3://bucket/a.bin", false},
		{"file://", false},
		{"relative/path", false},
	}
	for _, tt := range tests {
		if got := SupportedSource(tt.uri); got != tt.want {
			t.Errorf("SupportedSource(%q) = %v, ожидается %v", tt.uri, got, tt.want)
		}
	}
}

func TestComparableChecksum(t *testing.T) {
	for alg, want := range map[string]bool{"SHA-256": true, "sha256": true, "MD5": false, "": false} {
		if got := ComparableChecksum(alg); got != want {
			t.Errorf("ComparableChecksum(%q) = %v, ожидается %v", alg, got, want)
		}
	}
}

func TestLocalDriver_StoreRestoreDelete(t *testing.T) {
	ctx := context.Background()
	data := "hello orchestrator"
	sum := sha(data)

	d, err := NewLocalDriver(t.TempDir(), NewSourceOpener(nil))
	if err != nil {
		t.Fatalf("NewLocalDriver: %v", err)
	}

	res, err := d.Store(ctx, StoreRequest{
		SourceURI: writeSource(t, data),
		Checksum:  sum,
		Algorithm: "SHA-256",
		Filename:  "report.txt",
		Owner:     "u1",
	})
	if err != nil {
		t.Fatalf("Store() ошибка: %v", err)
	}
	if res.Size != int64(len(data)) || res.Checksum != sum {
		t.Errorf("Store() = %+v", res)
	}
	if !strings.HasPrefix(res.PhysicalURI, "file://") || !strings.HasSuffix(res.PhysicalURI, ".txt") {
		t.Errorf("PhysicalURI = %q", res.PhysicalURI)
	}

	cacheDir := t.TempDir()
	restored, err := d.Restore(ctx, RestoreRequest{PhysicalURI: res.PhysicalURI, Checksum: sum, Algorithm: "SHA-256", CacheDir: cacheDir})
	if err != nil {
		t.Fatalf("Restore() ошибка: %v", err)
	}
	u, _ := url.Parse(restored.CachedURI)
	got, err := os.ReadFile(u.Path)
	if err != nil || string(got) != data {
		t.Errorf("файл кэша = %q, %v", got, err)
	}
	if err := RemoveCached(restored.CachedURI); err != nil {
		t.Errorf("RemoveCached() ошибка: %v", err)
	}

	if err := d.Delete(ctx, res.PhysicalURI); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	// Повторное удаление отсутствующего файла — не ошибка
	if err := d.Delete(ctx, res.PhysicalURI); err != nil {
		t.Errorf("Delete() повторно: %v", err)
	}
}

func TestLocalDriver_ChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	d, _ := NewLocalDriver(root, NewSourceOpener(nil))

	_, err := d.Store(context.Background(), StoreRequest{
		SourceURI: writeSource(t, "data"),
		Checksum:  sha("other"),
		Algorithm: "SHA-256",
		Filename:  "a.bin",
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Store() с неверной суммой: ожидается ErrChecksumMismatch, получено %v", err)
	}

	// Файл с неверной суммой не остаётся в хранилище
	var files int
	_ = filepath.WalkDir(root, func(_ string, e os.DirEntry, _ error) error {
		if e != nil && !e.IsDir() {
			files++
		}
		return nil
	})
	if files != 0 {
		t.Errorf("в хранилище осталось %d файлов", files)
	}
}

func TestLocalDriver_RejectsForeignURI(t *testing.T) {
	d, _ := NewLocalDriver(t.TempDir(), NewSourceOpener(nil))
	for _, uri := range []string{"file:///etc/passwd", "artstore://se1/abc", "::bad"} {
		if err := d.Delete(context.Background(), uri); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("Delete(%q): ожидается ErrInvalidURI, получено %v", uri, err)
		}
	}
}

func TestSourceOpener_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "remote data")
	}))
	defer srv.Close()

	o := NewSourceOpener(srv.Client())
	rc, err := o.Open(context.Background(), srv.URL+"/file")
	if err != nil {
		t.Fatalf("Open() ошибка: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "remote data" {
		t.Errorf("Open() данные = %q", data)
	}

	if _, err := o.Open(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("Open() 404: ожидается ошибка")
	}
	if _, err := o.Open(context.Background(), "ftp://host/file"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("Open(ftp): ожидается ErrUnsupportedScheme, получено %v", err)
	}
}

// fakeSE — минимальный Storage Element для тестов ArtstoreDriver.
type fakeSE struct {
	mu    sync.Mutex
	files map[string][]byte
	auth  string
}

func (f *fakeSE) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		id := "id-" + sha(string(data))[:8]
		f.mu.Lock()
		f.files[id] = data
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"file_id": id, "size": len(data), "checksum": sha(string(data))})
	})
	mux.HandleFunc("GET /api/v1/files/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data, ok := f.files[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("DELETE /api/v1/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.files[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.files, r.PathValue("id"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/info", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"storage_id": "se1",
			"capacity":   map[string]int64{"total_bytes": 1000, "used_bytes": 250, "available_bytes": 750},
		})
	})
	return mux
}

func TestArtstoreDriver(t *testing.T) {
	se := &fakeSE{files: make(map[string][]byte)}
	srv := httptest.NewServer(se.handler())
	defer srv.Close()

	ctx := context.Background()
	d, err := NewArtstoreDriver("se1", srv.URL+"/", "secret", "", NewSourceOpener(nil), testLogger())
	if err != nil {
		t.Fatalf("NewArtstoreDriver: %v", err)
	}

	data := "nearline payload"
	res, err := d.Store(ctx, StoreRequest{
		SourceURI: writeSource(t, data), Checksum: sha(data), Algorithm: "SHA-256", Filename: "a.bin",
	})
	if err != nil {
		t.Fatalf("Store() ошибка: %v", err)
	}
	if !strings.HasPrefix(res.PhysicalURI, "artstore://se1/id-") {
		t.Errorf("PhysicalURI = %q", res.PhysicalURI)
	}
	if se.auth != "Bearer secret" {
		t.Errorf("Authorization = %q", se.auth)
	}

	restored, err := d.Restore(ctx, RestoreRequest{PhysicalURI: res.PhysicalURI, Checksum: sha(data), Algorithm: "SHA-256", CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Restore() ошибка: %v", err)
	}
	if restored.Size != int64(len(data)) {
		t.Errorf("Restore() Size = %d", restored.Size)
	}

	total, used, err := d.Capacity(ctx)
	if err != nil || total != 1000 || used != 250 {
		t.Errorf("Capacity() = %d, %d, %v", total, used, err)
	}

	if err := d.Delete(ctx, res.PhysicalURI); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if err := d.Delete(ctx, res.PhysicalURI); err != nil {
		t.Errorf("Delete() отсутствующего файла: %v", err)
	}
	if err := d.Delete(ctx, "artstore://other/id-1"); !errors.Is(err, ErrInvalidURI) {
		t.Errorf("Delete() чужого URI: ожидается ErrInvalidURI, получено %v", err)
	}
}

func TestArtstoreDriver_StoreMismatchDeletesUpload(t *testing.T) {
	se := &fakeSE{files: make(map[string][]byte)}
	srv := httptest.NewServer(se.handler())
	defer srv.Close()

	d, _ := NewArtstoreDriver("se1", srv.URL, "", "", NewSourceOpener(nil), testLogger())
	_, err := d.Store(context.Background(), StoreRequest{
		SourceURI: writeSource(t, "payload"), Checksum: sha("different"), Algorithm: "SHA-256",
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Store(): ожидается ErrChecksumMismatch, получено %v", err)
	}
	if len(se.files) != 0 {
		t.Errorf("на SE осталось %d файлов", len(se.files))
	}
}

func TestRegistry(t *testing.T) {
	var created int
	factory := func(loc config.StorageLocation) (Driver, error) {
		created++
		if loc.Driver == "broken" {
			return nil, errors.New("boom")
		}
		return &LocalDriver{root: loc.Root}, nil
	}
	r := NewRegistry(factory, testLogger())

	locs := []config.StorageLocation{
		{ID: "b", Tier: "ONLINE", Driver: "local", Root: "/b", Workers: 1},
		{ID: "a", Tier: "NEARLINE", Driver: "local", Root: "/a", Workers: 1},
		{ID: "off", Tier: "ONLINE", Driver: "local", Root: "/off", Workers: 1, Disabled: true},
	}
	if err := r.Load(locs); err != nil {
		t.Fatalf("Load() ошибка: %v", err)
	}

	got := r.Locations()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("Locations() = %v", got)
	}
	if _, ok := r.Enabled("off"); ok {
		t.Error("Enabled(off): отключённое хранилище не должно возвращаться")
	}
	if loc, ok := r.Get("off"); !ok || !loc.Disabled {
		t.Error("Get(off): ожидается отключённое хранилище")
	}
	if loc, _ := r.Get("a"); loc.TierOf() != "NEARLINE" {
		t.Errorf("TierOf() = %s", loc.TierOf())
	}

	// Неизменившиеся хранилища сохраняют драйвер
	created = 0
	locs = append(locs, config.StorageLocation{ID: "x", Driver: "broken"})
	if err := r.Load(locs); err == nil {
		t.Error("Load() со сломанным драйвером: ожидается ошибка")
	}
	if created != 1 {
		t.Errorf("фабрика вызвана %d раз, ожидается 1", created)
	}
	if _, ok := r.Get("x"); ok {
		t.Error("хранилище со сломанным драйвером не должно регистрироваться")
	}
}
