package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"vitrine.store/internal/audit"
	"vitrine.store/internal/authz"
	"vitrine.store/internal/config"
	"vitrine.store/internal/events"
	"vitrine.store/internal/httpapi"
	"vitrine.store/internal/linking"
	"vitrine.store/internal/obs"
	"vitrine.store/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	cfg := config.Load()

	// Postgres backs policy grants, ownership, challenge records and the
	// audit trail. Without a DSN everything runs on in-memory fallbacks.
	var pgStore *pg.Store
	if cfg.PostgresDSN != "" {
		var err error
		pgStore, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	publisher, err := events.NewPublisher(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("connect amqp: %v", err)
	}

	// Every security event goes to the structured log; Postgres and AMQP
	// sinks join the fanout when configured.
	sinks := audit.Fanout{audit.LogSink{}}
	if pgStore != nil {
		sinks = append(sinks, pgStore)
	}
	sinks = append(sinks, publisher)

	var policy authz.PolicyStore = authz.NewMemoryPolicyStore()
	var owners authz.OwnershipStore
	if pgStore != nil {
		policy = pgStore
		owners = pgStore
	}
	eval := authz.NewEvaluator(policy, owners,
		authz.WithSelfAccessResources(cfg.SelfAccessResources...),
		authz.WithOwnerOverrideResources(cfg.OwnerResources...),
	)
	gate := httpapi.NewGate(eval, authz.NewBulkEvaluator(eval), sinks)

	// Challenge state preference: Redis for shared TTL-bound state, then
	// Postgres, then memory for single-process runs.
	var linkStore linking.Store = linking.NewMemoryStore()
	switch {
	case redisClient != nil:
		linkStore = linking.NewRedisStore(redisClient)
	case pgStore != nil:
		linkStore = pgStore
	}

	var directory linking.IdentityDirectory = linking.StaticDirectory{FreshLogin: true}
	var credentials linking.CredentialSource = linking.StaticCredentials{}
	if pgStore != nil {
		directory = pgStore
		credentials = pgStore
	}

	var mailer linking.Mailer
	if cfg.SMTPAddr != "" {
		host, port, err := net.SplitHostPort(cfg.SMTPAddr)
		if err != nil {
			log.Fatalf("parse smtp addr: %v", err)
		}
		mailer = &linking.SMTPMailer{
			Host:     host,
			Port:     port,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}
	}

	coordinator, err := linking.NewCoordinator(
		linkStore,
		sinks,
		linking.TokenSessionValidator{},
		directory,
		&linking.CredentialAuthenticator{Source: credentials},
		mailer,
		linking.WithReauthPolicy(cfg.ReauthTTL, cfg.ReauthMaxAttempts),
		linking.WithEmailPolicy(cfg.EmailTTL, cfg.EmailMaxAttempts),
		linking.WithLoginFreshness(cfg.LoginFreshness),
	)
	if err != nil {
		log.Fatalf("build coordinator: %v", err)
	}

	ready := httpapi.ReadyProbe{Redis: redisClient}
	if pgStore != nil {
		ready.DB = pgStore.DB()
	}
	api := httpapi.New(httpapi.Deps{
		Ready:          ready,
		Version:        version,
		Gate:           gate,
		Coordinator:    coordinator,
		Audit:          sinks,
		SessionTTL:     cfg.SessionTTL,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vitrine-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = publisher.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
