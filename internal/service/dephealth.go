// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// File Orchestrator мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - Storage Element хранилищ с драйвером artstore — HTTP checker к /health/ready
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Storage Element
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
)

// seHealthPath — health endpoint Storage Element.
const seHealthPath = "/health/ready"

// maxDepNameLen — максимальная длина имени зависимости в метриках.
const maxDepNameLen = 63

// ErrNoDependencies — нет зависимостей для мониторинга.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthOptions — параметры мониторинга зависимостей.
type DephealthOptions struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (FO_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB из pgxpool через stdlib.OpenDBFromPool() (nil — бэкенд memory)
	DB *sql.DB
	// PGConnURL — URL PostgreSQL для лейблов метрик
	PGConnURL string
	// Storages — хранилища; мониторятся только хранилища с драйвером artstore
	Storages []config.StorageLocation
	// CheckInterval — интервал проверки (FO_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(opts DephealthOptions, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(opts, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(opts DephealthOptions, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(opts, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(o DephealthOptions, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	deps := 0

	if o.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(o.DB)),
			dephealth.FromURL(o.PGConnURL),
			dephealth.CheckInterval(o.CheckInterval),
			dephealth.Critical(true),
		))
		deps++
	}

	seen := make(map[string]struct{})
	for _, loc := range o.Storages {
		if loc.Driver != config.DriverArtstore || loc.URL == "" {
			continue
		}
		name := depName(loc.ID)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		seOpts := []dephealth.DependencyOption{
			dephealth.FromURL(loc.URL),
			dephealth.WithHTTPHealthPath(seHealthPath),
			dephealth.CheckInterval(o.CheckInterval),
			// Недоступность одного хранилища не делает сервис неработоспособным.
			dephealth.Critical(false),
			dephealth.WithLabel("storage", loc.ID),
		}
		if parsed, err := url.Parse(loc.URL); err == nil && parsed.Scheme == "https" {
			seOpts = append(seOpts, dephealth.WithHTTPTLSSkipVerify(loc.CACert == ""))
		}
		opts = append(opts, dephealth.HTTP(name, seOpts...))
		deps++
	}

	if deps == 0 {
		return nil, ErrNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(o.ServiceID, o.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// depName приводит ID хранилища к имени зависимости: нижний регистр,
// [a-z0-9-], начинается с буквы, не длиннее 63 символов.
func depName(id string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "unknown-se"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "se-" + name
	}
	if len(name) > maxDepNameLen {
		name = strings.TrimRight(name[:maxDepNameLen], "-")
	}
	return name
}
