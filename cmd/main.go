package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/chat-service/config"
	"github.com/cwrk-planet/chat-service/internal/auth"
	"github.com/cwrk-planet/chat-service/internal/bus"
	"github.com/cwrk-planet/chat-service/internal/gateway"
	"github.com/cwrk-planet/chat-service/internal/logger"
	"github.com/cwrk-planet/chat-service/internal/memory"
	"github.com/cwrk-planet/chat-service/internal/pg"
	"github.com/cwrk-planet/chat-service/internal/postgres"
	"github.com/cwrk-planet/chat-service/internal/service"
	grpcx "github.com/cwrk-planet/chat-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/chat-service/internal/transport/http"
	"github.com/cwrk-planet/chat-service/internal/transport/ws"

	"golang.org/x/sync/errgroup"
)

type storage struct {
	chats    service.ChatRepository
	members  service.MemberRepository
	messages service.MessageRepository
	notifier service.Notifier
	locker   gateway.ChatLocker
	ping     func(ctx context.Context) error
	close    func()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		store := memory.New()
		return &storage{
			chats:    store.Chats(),
			members:  store.Members(),
			messages: store.Messages(),
			notifier: store.Notifications(),
			locker:   memory.NewChatLocker(),
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	pool, err := pg.NewPool(ctx, cfg.Postgres.ToPGConfig())
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &storage{
		chats:    postgres.NewChatRepository(pool),
		members:  postgres.NewMemberRepository(pool),
		messages: postgres.NewMessageRepository(pool),
		notifier: postgres.NewNotificationRepository(pool),
		locker:   postgres.NewChatLocker(pool),
		ping:     func(ctx context.Context) error { return pg.Ping(ctx, pool) },
		close:    pool.Close,
	}, nil
}

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting chat-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version,
		"storage", cfg.Storage.Driver, "bus", cfg.Bus.Driver)
	if cfg.Storage.Driver == config.StoragePostgres && cfg.Bus.Driver == bus.DriverMemory {
		slog.Warn("memory bus only reaches sessions of this process; run a single replica")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- auth ---
	pub, err := auth.LoadRSAPublicKeyFromPEM(cfg.Auth.PublicKeyPath)
	if err != nil {
		log.Fatalf("auth public key: %v", err)
	}
	authn := auth.NewJWTAuthenticator(pub, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.ClockSkew)

	// --- storage ---
	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.close()

	// --- bus ---
	b, err := bus.New(ctx, cfg.Bus.ToBusConfig(), slog.Default())
	if err != nil {
		log.Fatalf("bus: %v", err)
	}

	// --- services ---
	chatSvc := service.NewChatService(store.chats, store.members)
	memberSvc := service.NewMemberService(store.chats, store.members, store.notifier, slog.Default())
	messageSvc := service.NewMessageService(store.messages, memberSvc, cfg.Gateway.ToMessageLimits())

	// --- gateway & WS ---
	gw := gateway.New(gateway.Deps{
		Chats:    chatSvc,
		Members:  memberSvc,
		Messages: messageSvc,
		Bus:      b,
		Locker:   store.locker,
	}, cfg.Gateway.ToGatewayConfig(), slog.Default())
	wsServer := ws.NewServer(gw, authn, cfg.Gateway.ToWSConfig(cfg.HTTP.AllowedOrigins))

	probes := map[string]grpcx.Probe{"store": store.ping, "bus": b.Ping}
	healthy := func(ctx context.Context) error {
		for name, p := range probes {
			if err := p(ctx); err != nil {
				return errors.Join(errors.New(name), err)
			}
		}
		return nil
	}

	// --- HTTP ---
	router := httpx.NewRouter(httpx.RouterDeps{
		Handler:        httpx.NewHandler(chatSvc, memberSvc, messageSvc, gw),
		WS:             wsServer,
		Auth:           authn,
		Members:        memberSvc,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Health:         healthy,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// --- gRPC ---
	var grpcSrv *grpcx.Server
	if cfg.GRPC.Addr != "" {
		grpcSrv = grpcx.NewServer(grpcx.Config{CheckInterval: cfg.GRPC.CheckInterval}, probes, slog.Default())
	}

	// --- run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcSrv != nil {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		g.Go(func() error {
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			grpcSrv.Watch(gctx)
			return nil
		})
	}

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// sessions first so clients see GoingAway instead of a reset
		gw.Shutdown(shutdownCtx)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", logger.Err(err))
		}
		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		if err := b.Close(); err != nil {
			slog.Error("bus close", logger.Err(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", logger.Err(err))
		store.close()
		os.Exit(1)
	}
	slog.Info("stopped")
}
