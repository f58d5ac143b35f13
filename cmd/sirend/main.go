package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"SirenServer/internal/alert"
	"SirenServer/internal/availability"
	"SirenServer/internal/capacity"
	"SirenServer/internal/config"
	"SirenServer/internal/engine"
	httpserver "SirenServer/internal/http_server"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
	"SirenServer/internal/registrar"
	"SirenServer/internal/repository"
	"SirenServer/internal/repository/chain"
	"SirenServer/internal/repository/journal"
	recordingrepo "SirenServer/internal/repository/recording"
	sessionrepo "SirenServer/internal/repository/session"
	"SirenServer/internal/repository/user"
	"SirenServer/internal/router"
	"SirenServer/internal/sipserver"
	"SirenServer/internal/usecase"
	"SirenServer/pkg/dbconnecter"
)

const (
	retry int = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal(err)
	}
	logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores := engine.Stores{}
	var readerRepo usecase.ReaderRepo

	if cfg.Store == "postgres" {
		db, dbName, dbCloser, err := dbconnecter.DbConnecter(cfg.Postgres, false, retry)
		if err != nil {
			logger.Log.Fatal(err)
		}
		defer dbCloser()
		if err := repository.Migrate(ctx, db); err != nil {
			logger.Log.Fatalf("migrate %s: %v", dbName, err)
		}

		sessions := sessionrepo.NewSessionRepo(db)
		recordings := recordingrepo.NewRecordingRepo(db)
		stores.Sessions = sessions
		stores.SessionArchive = sessions
		stores.Ledger = journal.NewJournalRepo(db)
		stores.Recordings = recordings
		stores.RecordingArchive = recordings
		stores.Chains = chain.NewChainRepo(db)
		readerRepo = user.NewUserRepo(db)
		logger.Log.WithField("db", dbName).Info("[BOOT] postgres store")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Log.Fatalf("redis %s: %v", cfg.RedisAddr, err)
		}
		stores.Counter = capacity.NewRedisCounter(rdb, "")
		stores.Busy = availability.NewRedisBusyStore(rdb, "")
		logger.Log.WithField("addr", cfg.RedisAddr).Info("[BOOT] shared capacity and busy flags in redis")
	}

	var publisher alert.Publisher
	if cfg.AMQPURL != "" {
		p, err := alert.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			logger.Log.Fatalf("amqp: %v", err)
		}
		defer p.Close()
		publisher = p
	}
	alerts := alert.NewDispatcher(publisher, cfg.AlertExchange)

	ua, err := sipgo.NewUA()
	if err != nil {
		logger.Log.Fatal(err)
	}
	defer ua.Close()

	reg := registrar.New(60 * time.Second)
	sipSrv, err := sipserver.New(ua, reg, cfg.SIPHost, cfg.SIPPort)
	if err != nil {
		logger.Log.Fatal(err)
	}
	media, err := sipserver.NewMediaGateway(sipSrv, cfg.MediaGatewayURI)
	if err != nil {
		logger.Log.Fatal(err)
	}

	eng := engine.New(cfg, stores, sipSrv, media, alerts)
	sipSrv.Bind(eng.Directory(), eng)

	readers := usecase.NewReaderUsecase(readerRepo, eng.Directory())
	if _, err := readers.Load(ctx); err != nil {
		logger.Log.Fatalf("load readers: %v", err)
	}

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(httpserver.NewHttpServer(eng, readers), promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.SIPPort)
		logger.Log.Infof("SIP server listening on udp://%s", addr)
		return sipSrv.ListenAndServe(gctx, "udp", addr)
	})
	g.Go(func() error {
		logger.Log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.WithError(err).Error("server stopped")
	}
	logger.Log.Info("shutdown")
}
