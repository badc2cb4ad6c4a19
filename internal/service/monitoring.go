// monitoring.go — мониторинг заполненности хранилищ.
//
// Занятый объём хранилища — сумма размеров его ссылок. Выделенный объём
// берётся из allocated_size хранилища, а если он не задан — у драйвера,
// умеющего сообщать ёмкость (CapacityReporter).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// Уровни заполненности хранилища.
const (
	UsageOK       = "ok"
	UsageWarning  = "warning"
	UsageCritical = "critical"
)

// StorageUsageReport — заполненность одного хранилища.
type StorageUsageReport struct {
	StorageID string  `json:"storage_id"`
	Files     int64   `json:"files"`
	Used      int64   `json:"used_bytes"`
	Allocated int64   `json:"allocated_bytes"`
	Percent   float64 `json:"usage_percent"`
	Level     string  `json:"level"`
}

// StorageMonitor периодически рассчитывает заполненность хранилищ.
type StorageMonitor struct {
	refs      repository.FileReferenceRepository
	locations Locations
	interval  time.Duration
	warn      float64
	critical  float64
	logger    *slog.Logger

	mu     sync.Mutex
	last   []StorageUsageReport
	levels map[string]string
	cancel context.CancelFunc
}

// NewStorageMonitor создаёт монитор. warn и critical — пороги в процентах.
func NewStorageMonitor(
	refs repository.FileReferenceRepository,
	locations Locations,
	interval time.Duration,
	warn, critical float64,
	logger *slog.Logger,
) *StorageMonitor {
	return &StorageMonitor{
		refs:      refs,
		locations: locations,
		interval:  interval,
		warn:      warn,
		critical:  critical,
		levels:    make(map[string]string),
		logger:    logger.With(slog.String("component", "storage_monitor")),
	}
}

// Start запускает фоновую горутину мониторинга.
func (m *StorageMonitor) Start(ctx context.Context) {
	monCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.run(monCtx)

	m.logger.Info("Мониторинг хранилищ запущен",
		slog.String("interval", m.interval.String()),
	)
}

// Stop останавливает мониторинг.
func (m *StorageMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.logger.Info("Мониторинг хранилищ остановлен")
}

func (m *StorageMonitor) run(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error("Ошибка расчёта заполненности хранилищ", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Ошибка расчёта заполненности хранилищ", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce рассчитывает заполненность всех хранилищ и обновляет метрики.
// Переход хранилища на уровень warning/critical логируется один раз.
func (m *StorageMonitor) RunOnce(ctx context.Context) ([]StorageUsageReport, error) {
	usage, err := m.refs.UsageByStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("расчёт заполненности хранилищ: %w", err)
	}

	locs := m.locations.All()
	reports := make([]StorageUsageReport, 0, len(locs))
	for _, loc := range locs {
		u := usage[loc.ID]
		r := StorageUsageReport{
			StorageID: loc.ID,
			Files:     u.Files,
			Used:      u.Size,
			Allocated: m.allocated(ctx, loc),
			Level:     UsageOK,
		}
		if r.Allocated > 0 {
			r.Percent = float64(r.Used) * 100 / float64(r.Allocated)
			r.Level = m.level(r.Percent)
		}

		storageUsedBytes.WithLabelValues(loc.ID).Set(float64(r.Used))
		storageFiles.WithLabelValues(loc.ID).Set(float64(r.Files))
		storageUsagePercent.WithLabelValues(loc.ID).Set(r.Percent)

		m.logTransition(r)
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StorageID < reports[j].StorageID })

	m.mu.Lock()
	m.last = reports
	m.mu.Unlock()
	return reports, nil
}

// Report возвращает результат последнего расчёта.
func (m *StorageMonitor) Report() []StorageUsageReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StorageUsageReport, len(m.last))
	copy(out, m.last)
	return out
}

func (m *StorageMonitor) allocated(ctx context.Context, loc *driver.Location) int64 {
	if loc.AllocatedSize > 0 {
		return loc.AllocatedSize
	}
	reporter, ok := loc.Driver.(driver.CapacityReporter)
	if !ok {
		return 0
	}
	total, _, err := reporter.Capacity(ctx)
	if err != nil {
		m.logger.Debug("Ёмкость хранилища недоступна",
			slog.String("storage_id", loc.ID),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return total
}

func (m *StorageMonitor) level(percent float64) string {
	switch {
	case m.critical > 0 && percent >= m.critical:
		return UsageCritical
	case m.warn > 0 && percent >= m.warn:
		return UsageWarning
	default:
		return UsageOK
	}
}

func (m *StorageMonitor) logTransition(r StorageUsageReport) {
	m.mu.Lock()
	prev := m.levels[r.StorageID]
	m.levels[r.StorageID] = r.Level
	m.mu.Unlock()
	if prev == r.Level {
		return
	}

	attrs := []any{
		slog.String("storage_id", r.StorageID),
		slog.Int64("used", r.Used),
		slog.Int64("allocated", r.Allocated),
		slog.Float64("usage_percent", r.Percent),
	}
	switch r.Level {
	case UsageCritical:
		m.logger.Error("Хранилище заполнено выше критического порога", attrs...)
	case UsageWarning:
		m.logger.Warn("Хранилище заполнено выше порога предупреждения", attrs...)
	default:
		if prev != "" {
			m.logger.Info("Заполненность хранилища в норме", attrs...)
		}
	}
}
