package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fhem-bridge/internal/audit"
	"fhem-bridge/internal/auth"
	commandshttp "fhem-bridge/internal/commands/interfaces/http"
	"fhem-bridge/internal/config"
	"fhem-bridge/internal/fhem"
	bridgeapp "fhem-bridge/internal/longpoll/application"
	longpoll "fhem-bridge/internal/longpoll/domain"
	"fhem-bridge/internal/observability/metrics"
	"fhem-bridge/internal/readings/interfaces/export"
	sink "fhem-bridge/internal/sink/domain"
	"fhem-bridge/internal/sink/infrastructure/cloud"
	"fhem-bridge/internal/sink/infrastructure/mqtt"
	"fhem-bridge/internal/sink/infrastructure/postgres"
	sinkinterfaces "fhem-bridge/internal/sink/interfaces"
)

// store is what the bridge needs from its persistence backend.
type store interface {
	sink.UpdateSink
	sink.KeySource
	sink.DeviceStore
	sink.SyncStateSource
	sink.ReadingLister
	UpsertActiveKeys(ctx context.Context, keys []sink.ActiveKey) error
	SetSyncState(ctx context.Context, active, connected bool) error
}

// notifier is the remote side of device list and state sync.
type notifier interface {
	sink.UpdateSink
	sink.SyncNotifier
	sink.ReportStateRequester
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config error", zap.Error(err))
	}
	logger := newLogger(cfg.LogDebug)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db          *sql.DB
		backend     store
		auditLogger audit.Logger = audit.NewZapLogger(logger)
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db open error", zap.Error(err))
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("db ping error", zap.Error(err))
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("db schema error", zap.Error(err))
		}
		backend = postgres.NewStore(db)
		auditLogger = audit.NewRepository(db)
	} else {
		backend = sinkinterfaces.NewMemoryStore(nil)
		logger.Info("no database configured, using in-memory store")
	}
	metrics.Init(db, logger)

	remote := newNotifier(cfg.Cloud, logger)

	var publisher *mqtt.Publisher
	if cfg.MQTT.BrokerURL != "" {
		publisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:     cfg.MQTT.BrokerURL,
			ClientID:      cfg.MQTT.ClientID,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			TopicPrefix:   cfg.MQTT.TopicPrefix,
			QoS:           cfg.MQTT.QoS,
			TLSSkipVerify: cfg.MQTT.TLSSkipVerify,
		}, nil, logger)
		if err != nil {
			logger.Fatal("mqtt publisher error", zap.Error(err))
		}
	}

	updates := sinkinterfaces.NewMultiSink(backend, remote, mqttSink(publisher))
	registry := longpoll.NewRegistry(longpoll.DebounceConfig{
		Window:     cfg.Debounce.Window,
		MaxUpdates: cfg.Debounce.MaxUpdates,
		CarryOver:  cfg.Debounce.CarryOver,
	}, nil)
	bridge, err := bridgeapp.NewBridge(registry, bridgeapp.Dependencies{
		Updates:          updates,
		Devices:          backend,
		Notifier:         remote,
		ReportState:      remote,
		Keys:             backend,
		Restart:          restartProcess(logger, os.Exit),
		ReportStateDelay: cfg.ReportStateDelay,
	}, logger)
	if err != nil {
		logger.Fatal("bridge error", zap.Error(err))
	}

	for _, conn := range cfg.Connections {
		opts := fhem.Options{InsecureSkipVerify: conn.SSL, CommandTimeout: cfg.CommandTimeout}
		if conn.Auth != nil {
			opts.Username = conn.Auth.Username
			opts.Password = conn.Auth.Password
		}
		client, err := fhem.NewClient(conn.BaseURL(), opts)
		if err != nil {
			logger.Fatal("fhem client error", zap.String("connection", conn.Name), zap.Error(err))
		}
		if _, err := bridge.AddConnection(bridgeapp.ConnectionSpec{Name: conn.Name, Filter: conn.Filter, Client: client}); err != nil {
			logger.Fatal("add connection error", zap.String("connection", conn.Name), zap.Error(err))
		}
		logger.Info("connection configured", zap.String("connection", conn.Name), zap.String("base_url", conn.BaseURL()))
	}

	keys, err := staticKeys(cfg.StaticKeys, bridge)
	if err != nil {
		logger.Fatal("static keys error", zap.Error(err))
	}
	if len(keys) > 0 {
		if err := backend.UpsertActiveKeys(ctx, keys); err != nil {
			logger.Fatal("seed keys error", zap.Error(err))
		}
	}

	if publisher != nil {
		publisher.Bind(bridge)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := publisher.Connect(connectCtx); err != nil {
			logger.Warn("mqtt connect failed, retrying in background", zap.Error(err))
		}
		cancel()
		defer publisher.Close()
	}

	bridge.Start(ctx)
	defer bridge.Stop()

	watcher, err := bridgeapp.NewSyncWatcher(backend, bridge, cfg.SyncPollInterval, logger)
	if err != nil {
		logger.Fatal("sync watcher error", zap.Error(err))
	}
	go watcher.Start(ctx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, bridge, backend, auditLogger, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}

// restartProcess exits with status 0 after FHEM needed a structural change, so
// the supervisor restarts the bridge without treating it as a crash.
func restartProcess(logger *zap.Logger, exit func(int)) func(msg string) {
	return func(msg string) {
		logger.Info("exiting for restart", zap.String("reason", msg))
		_ = logger.Sync()
		exit(0)
	}
}

func newLogger(debug bool) *zap.Logger {
	build := zap.NewProduction
	if debug {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func newNotifier(cfg config.Cloud, logger *zap.Logger) notifier {
	if cfg.BaseURL == "" {
		logger.Info("no cloud configured, logging sync notifications")
		return sinkinterfaces.NewLoggingSink(logger)
	}
	tokens, err := auth.NewFileTokenSource(cfg.TokenFile)
	if err != nil {
		logger.Fatal("token source error", zap.Error(err))
	}
	client, err := cloud.NewClient(cfg.BaseURL, tokens)
	if err != nil {
		logger.Fatal("cloud client error", zap.Error(err))
	}
	return client
}

func mqttSink(p *mqtt.Publisher) sink.UpdateSink {
	if p == nil {
		return nil
	}
	return p
}

// staticKeys resolves the connection names of configured keys to base URLs.
func staticKeys(configured []config.StaticKey, bridge *bridgeapp.Bridge) ([]sink.ActiveKey, error) {
	keys := make([]sink.ActiveKey, 0, len(configured))
	for _, k := range configured {
		key := sink.ActiveKey{Key: k.Key, Device: k.Device}
		if k.Connection != "" {
			ep, err := bridge.Resolve(k.Connection)
			if err != nil {
				return nil, err
			}
			key.Connection = ep.Conn.BaseURL()
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func newRouter(cfg config.Config, bridge *bridgeapp.Bridge, backend store, auditLogger audit.Logger, logger *zap.Logger) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	api := router.PathPrefix("/api/v1").Subrouter()
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	api.Use(auth.NewMiddleware([]byte(cfg.JWTSecret), policy, logger).Middleware)

	commandHandler, err := commandshttp.NewHandler(bridge, backend, auditLogger, logger)
	if err != nil {
		logger.Fatal("command handler error", zap.Error(err))
	}
	commandHandler.Register(api)

	exportHandler, err := export.NewHandler(backend, logger)
	if err != nil {
		logger.Fatal("export handler error", zap.Error(err))
	}
	exportHandler.Register(api)

	return loggingMiddleware(router, logger)
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)))
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
