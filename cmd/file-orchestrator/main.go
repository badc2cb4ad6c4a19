// Точка входа File Orchestrator — оркестратора ссылок на файлы
// и запросов к хранилищам.
// Загружает конфигурацию, подключает хранилище записей (PostgreSQL или память),
// брокер AMQP и блокировку удаления, создаёт обработчики потоков и планировщики,
// запускает потребителей очередей, фоновые задачи и HTTP-сервер
// с graceful shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/api/handlers"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/database"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/driver"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/locking"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/messaging"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository/memstore"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/server"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/service"
)

// storagesDebounce — задержка применения изменений файла хранилищ.
const storagesDebounce = 500 * time.Millisecond

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	instance := instanceID()
	logger.Info("File Orchestrator запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("tenant", cfg.Tenant),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("instance", instance),
	)

	ctx := context.Background()
	var checkers []handlers.ReadinessChecker

	// 3. Хранилище записей
	var (
		store    *repository.Store
		depsOpts = service.DephealthOptions{
			ServiceID:     "file-orchestrator",
			Group:         cfg.DephealthGroup,
			CheckInterval: cfg.DephealthCheckInterval,
		}
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()
		depsOpts.DB = pgDB
		depsOpts.PGConnURL = cfg.DatabaseURL()

		store = repository.NewPostgresStore(pool)
		checkers = append(checkers, database.NewReadinessChecker(pool))
	default:
		logger.Warn("Хранилище записей в памяти: состояние не переживает перезапуск")
		store = memstore.New()
	}

	// 4. Хранилища файлов
	locs, err := config.LoadStorages(cfg.StoragesFile)
	if err != nil {
		logger.Error("Ошибка загрузки файла хранилищ",
			slog.String("path", cfg.StoragesFile),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	registry := driver.NewRegistry(driver.DefaultFactory(driver.NewSourceOpener(nil), logger), logger)
	if err := registry.Load(locs); err != nil {
		logger.Error("Ошибка инициализации хранилищ", slog.String("error", err.Error()))
		os.Exit(1)
	}
	depsOpts.Storages = locs

	var watcher *config.StoragesWatcher
	if cfg.StoragesWatch {
		watcher = config.NewStoragesWatcher(cfg.StoragesFile, storagesDebounce, func(updated []config.StorageLocation) {
			if err := registry.Load(updated); err != nil {
				logger.Error("Ошибка применения файла хранилищ", slog.String("error", err.Error()))
			}
		}, logger)
		if err := watcher.Start(); err != nil {
			logger.Warn("Отслеживание файла хранилищ недоступно", slog.String("error", err.Error()))
			watcher = nil
		}
	}

	// 5. Блокировка удаления: Redis для нескольких экземпляров, иначе память процесса
	var locker locking.Locker
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = locking.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisClient.Close()
		locker = locking.NewRedisLocker(redisClient, "fo:"+cfg.Tenant+":")
		checkers = append(checkers, locking.NewReadinessChecker(redisClient))
		logger.Info("Блокировка удаления в Redis", slog.String("addr", cfg.RedisAddr))
	} else {
		locker = locking.NewMemoryLocker()
		logger.Info("Блокировка удаления в памяти процесса")
	}

	// 6. Брокер AMQP
	conn, err := messaging.Dial(cfg.AMQPURL, logger)
	if err != nil {
		logger.Error("Ошибка подключения к брокеру", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()
	checkers = append(checkers, conn)

	publisher, err := messaging.NewPublisher(conn, cfg.AMQPEventsExchange, logger)
	if err != nil {
		logger.Error("Ошибка создания публикатора событий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer publisher.Close()

	validator, err := messaging.NewValidator()
	if err != nil {
		logger.Error("Ошибка компиляции JSON-схем", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Сервисный слой
	events := service.NewEvents(publisher, cfg.Tenant, logger)
	sessions := service.NewSessionNotifier(publisher, cfg.Tenant, logger)
	groups := service.NewGroupTracker(store, events, sessions, cfg.GroupExpiration, logger)
	refs := service.NewReferences(store, groups, sessions, logger)
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		logger.Error("Ошибка создания каталога кэша",
			slog.String("path", cfg.CacheDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	cache := service.NewCacheService(store.CacheFiles, cfg.CacheDir, cfg.CacheMaxSize, cfg.CacheLookupTTL, logger)
	lock := service.NewDeletionLock(locker, instance, cfg.DeletionLockTTL, cfg.DeletionLockWait, cfg.MaintenanceLockTTL, logger)
	inFlight := locking.NewKeyedMutex()

	// Задания планировщиков дорабатывают после остановки приёма:
	// у пулов собственный контекст, отменяемый по таймауту shutdown.
	poolsCtx, cancelPools := context.WithCancel(context.Background())
	defer cancelPools()
	pools := service.NewWorkerPools(poolsCtx, cfg.JobTimeout, logger)

	dispatcher := service.NewFlowDispatcher(service.FlowDeps{
		Store:      store,
		Locations:  registry,
		Groups:     groups,
		Sessions:   sessions,
		Events:     events,
		References: refs,
		Cache:      cache,
		InFlight:   inFlight,
		Lock:       lock,
	}, service.FlowSettings{
		MaxItems:       cfg.FlowMaxItems,
		StoreDelayBase: cfg.StoreDelayBase,
	}, logger)

	scheduler := service.NewScheduler(service.SchedulerDeps{
		Store:      store,
		Locations:  registry,
		Groups:     groups,
		Sessions:   sessions,
		Events:     events,
		References: refs,
		Cache:      cache,
		InFlight:   inFlight,
		Lock:       lock,
		Pools:      pools,
	}, service.SchedulerSettings{
		Interval:       cfg.SchedulerInterval,
		BulkSize:       cfg.SchedulerBulkSize,
		StoreDelayBase: cfg.StoreDelayBase,
		StoreDelayMax:  cfg.StoreDelayMax,
		PurgeBulk:      cfg.CachePurgeBulk,
		JobTimeout:     cfg.JobTimeout,
	}, logger)

	monitor := service.NewStorageMonitor(store.References, registry, cfg.MonitorInterval,
		cfg.UsageThreshold, cfg.UsageCriticalThreshold, logger)

	// 8. Фоновые задачи
	appCtx, cancelApp := context.WithCancel(ctx)
	defer cancelApp()

	scheduler.Start(appCtx)
	monitor.Start(appCtx)

	var consumers sync.WaitGroup
	for _, kind := range messaging.FlowKinds {
		consumer := messaging.NewConsumer(conn, messaging.ConsumerConfig{
			Kind:      kind,
			Queue:     messaging.QueueName(cfg.AMQPQueuePrefix, kind),
			Tenant:    cfg.Tenant,
			BatchSize: cfg.AMQPBatchSize,
			BatchWait: cfg.AMQPBatchWait,
			Prefetch:  cfg.AMQPPrefetch,
		}, validator, dispatcher, logger)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := consumer.Run(appCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Потребитель очереди остановлен с ошибкой",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	// 8.1 topologymetrics — мониторинг зависимостей (PostgreSQL + Storage Element)
	dephealthSvc, dephealthErr := service.NewDephealthService(depsOpts, logger)
	switch {
	case errors.Is(dephealthErr, service.ErrNoDependencies):
		logger.Info("topologymetrics: нет зависимостей для мониторинга")
		dephealthSvc = nil
	case dephealthErr != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	default:
		if startErr := dephealthSvc.Start(appCtx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. HTTP API
	apiHandler := handlers.NewAPIHandler(handlers.Deps{
		Health:    handlers.NewHealthHandler(checkers...),
		Lock:      lock,
		Scheduler: scheduler,
		Retry:     dispatcher.Retry(),
		Ledger:    service.NewLedger(store),
		Groups:    groups,
		Usage:     monitor,
	}, logger)

	srv := server.New(cfg, logger, apiHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 10. Graceful shutdown: остановка приёма, затем ожидание заданий
	logger.Info("Останавливаем фоновые задачи...")
	cancelApp()
	consumers.Wait()
	scheduler.Stop()
	monitor.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelWait()
	if err := pools.Wait(waitCtx); err != nil {
		logger.Warn("Задания планировщиков не завершились за отведённое время",
			slog.String("error", err.Error()),
		)
		cancelPools()
	}

	logger.Info("File Orchestrator остановлен")
}

// instanceID возвращает идентификатор экземпляра: имя хоста с случайным суффиксом.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fo"
	}
	return host + "-" + uuid.NewString()[:8]
}
