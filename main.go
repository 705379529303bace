package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aep-command/internal/aepadapter"
	"aep-command/internal/audit"
	"aep-command/internal/auth"
	commandsapp "aep-command/internal/commands/application"
	commandsevents "aep-command/internal/commands/application/events"
	commandsmemory "aep-command/internal/commands/infrastructure/memory"
	commandsrepo "aep-command/internal/commands/infrastructure/postgres"
	commandsinterfaces "aep-command/internal/commands/interfaces"
	commandsaep "aep-command/internal/commands/interfaces/aep"
	commandshttp "aep-command/internal/commands/interfaces/http"
	commandsnotify "aep-command/internal/commands/notify"
	"aep-command/internal/commands/schema"
	"aep-command/internal/config"
	"aep-command/internal/eventing"
	eventingmemory "aep-command/internal/eventing/infrastructure/memory"
	eventingrepo "aep-command/internal/eventing/infrastructure/postgres"
	eventinghttp "aep-command/internal/eventing/interfaces/http"
	"aep-command/internal/observability/metrics"
	"aep-command/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	var store storage
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Printf("storage: in-memory, data is lost on restart")
		store = memoryStorage()
	default:
		db, err = sql.Open("pgx", cfg.DBDSN)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		if err := migrations.Up(db, logger); err != nil {
			logger.Fatalf("db migrate error: %v", err)
		}
		store = postgresStorage(db, cfg.OutboxLease)
	}

	metrics.Init(db, logger)
	if len(store.purges) > 0 {
		go eventing.NewRetention(cfg.Retention, store.purges, logger).Run(ctx, time.Hour)
	}

	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(commandsevents.CommandDispatched{})
	registry.Register(commandsevents.ExecutionStatusChanged{})
	dispatcher := eventing.NewDispatcher(bus, store.outbox, registry, store.dlq, logger)
	// Events are delivered by the dispatcher loop only, keeping consumers such as
	// webhook notifications off the request path.
	publisher := eventing.NewPublisher(store.outbox, nil, cfg.TenantID, logger)
	commandsinterfaces.NewEventLogger(logger).Subscribe(bus, store.processed)
	if notifier := newNotifier(cfg.Notify, store.executions, logger); notifier != nil {
		defer notifier.Close()
		notifier.Subscribe(bus, store.processed)
	}
	go dispatcher.Run(ctx, cfg.OutboxInterval, cfg.OutboxBatch)

	gateway, err := aepadapter.NewClient(cfg.AEP.BaseURL, cfg.AEP.AppKey, cfg.AEP.AppSecret, cfg.AEP.MasterKey,
		aepadapter.WithOperator(cfg.AEP.Operator),
		aepadapter.WithTTL(cfg.AEP.TTL),
		aepadapter.WithTimeout(cfg.AEP.Timeout),
		aepadapter.WithProducts(cfg.AEP.ProductID, cfg.AEP.Products),
	)
	if err != nil {
		logger.Fatalf("aep client error: %v", err)
	}

	validator := schema.NewValidator()
	metaRegistry, err := commandsapp.NewRegistry(store.metas, validator, logger)
	if err != nil {
		logger.Fatalf("command registry error: %v", err)
	}
	taskService, err := commandsapp.NewTaskService(store.metas, store.tasks, store.executions, validator, gateway, publisher,
		commandsapp.WithLogger(logger))
	if err != nil {
		logger.Fatalf("command task service error: %v", err)
	}
	machine, err := commandsapp.NewStateMachine(store.executions, publisher, nil, logger)
	if err != nil {
		logger.Fatalf("command state machine error: %v", err)
	}
	responseHandler, err := commandsapp.NewResponseHandler(machine, logger)
	if err != nil {
		logger.Fatalf("command response handler error: %v", err)
	}

	commandHandler, err := commandshttp.NewHandler(metaRegistry, taskService, store.audit, logger)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	deadLetterHandler, err := eventinghttp.NewDeadLetterHandler(store.dlq, logger)
	if err != nil {
		logger.Fatalf("dead letter handler error: %v", err)
	}
	callbackHandler, err := commandsaep.NewCallbackHandler(responseHandler, logger)
	if err != nil {
		logger.Fatalf("aep callback handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/callbacks/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.AuthJWTSecret), policy)
	authMiddleware.Logger = logger

	var callback http.Handler = callbackHandler
	if cfg.CallbackHMACSecret != "" {
		callback = auth.NewCallbackAuthMiddleware([]byte(cfg.CallbackHMACSecret), cfg.CallbackMaxSkew()).Wrap(callbackHandler)
	} else {
		logger.Printf("aep callback: CALLBACK_HMAC_SECRET not set, callbacks are unauthenticated")
	}

	mux := http.NewServeMux()
	commandHandler.Register(mux)
	deadLetterHandler.Register(mux)
	mux.Handle("/callbacks/aep/command-response", callback)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
	logger.Printf("http stopped")
}

type outboxStore interface {
	eventing.OutboxStore
	eventing.OutboxWriter
}

type dlqStore interface {
	eventing.DLQStore
	eventinghttp.DeadLetterLister
}

type storage struct {
	metas      commandsapp.MetaRepository
	tasks      commandsapp.TaskRepository
	executions commandsapp.ExecutionRepository
	outbox     outboxStore
	processed  eventing.ProcessedStore
	dlq        dlqStore
	audit      audit.Logger
	purges     map[string]eventing.PurgeFunc
}

func postgresStorage(db *sql.DB, lease time.Duration) storage {
	outbox := eventingrepo.NewOutboxStore(db, eventingrepo.WithClaimLease(lease))
	processed := eventingrepo.NewProcessedStore(db)
	return storage{
		metas:      commandsrepo.NewMetaRepository(db),
		tasks:      commandsrepo.NewTaskRepository(db),
		executions: commandsrepo.NewExecutionRepository(db),
		outbox:     outbox,
		processed:  processed,
		dlq:        eventingrepo.NewDLQStore(db),
		audit:      audit.NewRepository(db),
		purges: map[string]eventing.PurgeFunc{
			"event_outbox":     outbox.PurgeSent,
			"processed_events": processed.PurgeBefore,
		},
	}
}

func memoryStorage() storage {
	return storage{
		metas:      commandsmemory.NewMetaRepository(),
		tasks:      commandsmemory.NewTaskRepository(),
		executions: commandsmemory.NewExecutionRepository(),
		outbox:     eventingmemory.NewOutboxStore(),
		processed:  eventingmemory.NewProcessedStore(),
		dlq:        eventingmemory.NewDLQStore(),
		audit:      audit.NewMemoryLogger(),
	}
}

func newNotifier(cfg config.NotifyConfig, executions commandsnotify.ExecutionReader, logger *log.Logger) *commandsnotify.Notifier {
	channels := make([]commandsnotify.Channel, 0, len(cfg.WebhookURLs))
	for _, url := range cfg.WebhookURLs {
		channel, err := commandsnotify.NewWebhookChannel(url)
		if err != nil {
			logger.Printf("notify: skip webhook: %v", err)
			continue
		}
		channels = append(channels, channel)
	}
	if len(channels) == 0 {
		return nil
	}
	template, err := commandsnotify.NewTemplate(cfg.Template)
	if err != nil {
		logger.Fatalf("notify template error: %v", err)
	}
	notifier, err := commandsnotify.NewNotifier(executions, commandsnotify.NewMultiChannel(channels...), template,
		commandsnotify.WithStallAfter(cfg.StallAfter),
		commandsnotify.WithCooldown(cfg.Cooldown),
		commandsnotify.WithDedupeWindow(cfg.DedupeWindow),
		commandsnotify.WithRequestTimeout(cfg.RequestTimeout),
		commandsnotify.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("notify error: %v", err)
	}
	logger.Printf("notify: %d webhook channel(s), stall after %s", len(channels), cfg.StallAfter)
	return notifier
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
