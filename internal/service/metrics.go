package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики оркестратора.
var (
	// flowItemsTotal — элементы потоков по типу и результату приёма.
	flowItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fo_flow_items_total",
		Help: "Количество элементов входящих потоков",
	}, []string{"kind", "outcome"})

	// flowBatchDuration — длительность обработки пакета.
	flowBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fo_flow_batch_duration_seconds",
		Help:    "Длительность обработки пакета входящего потока",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"kind"})

	// schedulerJobsTotal — задания, переданные в пулы хранилищ.
	schedulerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fo_scheduler_jobs_total",
		Help: "Количество заданий планировщиков",
	}, []string{"type"})

	// schedulerRequestsTotal — обработанные запросы журнала по результату.
	schedulerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fo_scheduler_requests_total",
		Help: "Количество выполненных запросов журнала",
	}, []string{"type", "outcome"})

	// schedulerSweepDuration — длительность одного прохода планировщиков.
	schedulerSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fo_scheduler_sweep_duration_seconds",
		Help:    "Длительность прохода планировщиков в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	// groupsCompletedTotal — завершённые группы по статусу.
	groupsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fo_groups_completed_total",
		Help: "Количество завершённых групп запросов",
	}, []string{"status"})

	// eventsPublishedTotal — опубликованные события.
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fo_events_published_total",
		Help: "Количество опубликованных событий",
	}, []string{"kind"})

	// eventPublishErrorsTotal — ошибки публикации событий.
	eventPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fo_event_publish_errors_total",
		Help: "Количество ошибок публикации событий",
	}, []string{"kind"})

	// cacheLookupHits / cacheLookupMisses — попадания в LRU поиска файлов кэша.
	cacheLookupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fo_cache_lookup_hits_total",
		Help: "Попадания в LRU-кэш поиска файлов временного кэша",
	})
	cacheLookupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fo_cache_lookup_misses_total",
		Help: "Промахи LRU-кэша поиска файлов временного кэша",
	})

	// cacheUsedBytes — занятый объём временного кэша.
	cacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fo_cache_used_bytes",
		Help: "Занятый объём временного кэша в байтах",
	})

	// cachePurgedTotal — удалённые по истечении срока файлы кэша.
	cachePurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fo_cache_purged_total",
		Help: "Количество файлов, удалённых из кэша по истечении срока",
	})

	// storageUsedBytes / storageUsagePercent / storageFiles — заполненность хранилищ.
	storageUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fo_storage_used_bytes",
		Help: "Суммарный размер файлов хранилища в байтах",
	}, []string{"storage"})
	storageUsagePercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fo_storage_usage_percent",
		Help: "Заполненность хранилища относительно выделенного объёма, %",
	}, []string{"storage"})
	storageFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fo_storage_files",
		Help: "Количество файлов хранилища",
	}, []string{"storage"})
)
