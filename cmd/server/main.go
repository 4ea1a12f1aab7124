package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/warehouse-stock-ledger/internal/command"
	"github.com/iliyamo/warehouse-stock-ledger/internal/config"
	"github.com/iliyamo/warehouse-stock-ledger/internal/consistency"
	"github.com/iliyamo/warehouse-stock-ledger/internal/database"
	"github.com/iliyamo/warehouse-stock-ledger/internal/eventstore"
	"github.com/iliyamo/warehouse-stock-ledger/internal/guard"
	"github.com/iliyamo/warehouse-stock-ledger/internal/handler"
	"github.com/iliyamo/warehouse-stock-ledger/internal/middleware"
	"github.com/iliyamo/warehouse-stock-ledger/internal/projection"
	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
	"github.com/iliyamo/warehouse-stock-ledger/internal/router"
	"github.com/iliyamo/warehouse-stock-ledger/internal/saga"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("mysql: %v", err)
	}
	ctx := context.Background()
	if err := database.Bootstrap(ctx, db); err != nil {
		log.Fatalf("schema: %v", err)
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable, rate limiting and hard-lock caching disabled")
	}

	// Stores and repositories.
	events := eventstore.New(db)
	ledgerRepo := repository.NewStockLedgerRepo(events)
	reservationRepo := repository.NewReservationRepo(events)
	hardLocks := repository.NewActiveHardLocksRepo(db, rdb)
	claims := repository.NewProcessedCommandRepo(db)
	go claims.StartSweeper(ctx, cfg.SweepInterval)

	publisher := queue.NewAMQPPublisher()
	newGuard := func(ctx context.Context) (handler.Guard, error) {
		return guard.Create(ctx, db)
	}

	// Command handlers behind the shared pipeline.
	consumer := &handler.ReservationConsumer{
		Reservations: reservationRepo,
		HardLockW:    hardLocks,
		Publisher:    publisher,
	}
	dispatcher := command.NewDispatcher(
		command.Idempotency(claims),
		command.Validation(),
		command.Logging(),
	)
	dispatcher.Register("MoveStock", &handler.MoveStockHandler{
		Ledger:    ledgerRepo,
		HardLocks: hardLocks,
		NewGuard:  newGuard,
		Publisher: publisher,
	})
	dispatcher.Register("ReserveStock", &handler.ReserveStockHandler{
		Reservations: reservationRepo,
		Publisher:    publisher,
	})
	dispatcher.Register("StartPicking", &handler.StartPickingHandler{
		Reservations: reservationRepo,
		Ledger:       ledgerRepo,
		HardLocks:    hardLocks,
		HardLockW:    hardLocks,
		NewGuard:     newGuard,
		Publisher:    publisher,
	})
	dispatcher.Register("PickStock", &handler.PickStockHandler{
		Reservations: reservationRepo,
		Ledger:       ledgerRepo,
		NewGuard:     newGuard,
		Consumer:     consumer,
		Publisher:    publisher,
	})
	dispatcher.Register("CancelReservation", &handler.CancelReservationHandler{
		Reservations: reservationRepo,
		HardLockW:    hardLocks,
		Publisher:    publisher,
	})
	dispatcher.Register("BumpReservation", &handler.BumpReservationHandler{
		Reservations: reservationRepo,
		Publisher:    publisher,
	})

	// Background consumers: the pick saga and the hard-locks projector.
	pickSaga := &saga.PickSaga{
		Executor:   consumer,
		Publisher:  publisher,
		MaxRetries: cfg.SagaMaxRetries,
	}
	go func() {
		if err := queue.StartConsumer(queue.PickConsumptionQueue, pickSaga.HandleMessage); err != nil {
			log.Printf("saga consumer stopped: %v", err)
		}
	}()
	projector := &projection.HardLocksProjector{Writer: hardLocks}
	projector.Start()

	holder, _ := os.Hostname()
	if holder == "" {
		holder = "rebuild-worker"
	}
	rebuild := &projection.RebuildService{
		DB:     db,
		Events: events,
		Locks:  repository.NewRebuildLockRepo(db),
		Holder: holder,
	}
	checker := &consistency.Checker{
		HardLocks:    hardLocks,
		Reservations: reservationRepo,
	}

	// HTTP surface.
	e := echo.New()
	router.RegisterHealth(e, &handler.HealthHandler{DB: db, RDB: rdb})
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewTokenRepo(db)), cfg.JWTSecret)
	router.RegisterStock(e, &handler.StockHTTP{
		Dispatcher:   dispatcher,
		Ledger:       ledgerRepo,
		Reservations: reservationRepo,
		HardLocks:    hardLocks,
		Rebuild:      rebuild,
		Checker:      checker,
	}, cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
