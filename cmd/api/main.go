package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/config"
	"carelink.org/internal/disclosure"
	"carelink.org/internal/envelope"
	"carelink.org/internal/httpapi"
	"carelink.org/internal/kms"
	"carelink.org/internal/notify"
	"carelink.org/internal/obs"
	"carelink.org/internal/rate"
	"carelink.org/internal/referral"
	"carelink.org/internal/session"
	"carelink.org/internal/store/memory"
	"carelink.org/internal/store/pg"
	"carelink.org/internal/token"
)

var version = "0.3.1"

// backingStore is the full persistence surface the services need. Both the
// Postgres store and the in-memory store satisfy it.
type backingStore interface {
	envelope.BlobStore
	token.Store
	session.Store
	rate.Store
	audit.Store
	disclosure.Store
	referral.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()

	var keys kms.KeyService
	local := cfg.KMSMode == "local"
	if local {
		keys, err = kms.NewLocal(cfg.LocalKeySecret)
	} else {
		keys, err = kms.NewClient(cfg.KMSBaseURL, cfg.KMSAuthSecret)
	}
	if err != nil {
		log.Fatalf("kms: %v", err)
	}
	env := envelope.New(keys, local)

	var (
		st    backingStore
		pgst  *pg.Store
		probe httpapi.Pinger
	)
	if cfg.PostgresDSN != "" {
		pgst, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st = pgst
		probe = pgst
	} else {
		log.Printf("no CARELINK_PG_DSN set, using in-memory store")
		st = memory.New()
	}

	auditLog := audit.New(st)

	var notifier notify.Notifier
	switch cfg.NotifySender {
	case "smtp":
		notifier = notify.SMTPNotifier{Host: cfg.SMTPHost, Port: cfg.SMTPPort, From: cfg.NotifyFrom}
	default:
		notifier = notify.LogNotifier{}
	}

	tokens := token.NewService(st, notifier, auditLog, token.WithTokenTTL(cfg.TokenTTL))
	disclosures := disclosure.NewService(st, st, env, notifier, auditLog,
		disclosure.WithBaseURL(cfg.PublicBaseURL))
	referrals := referral.NewCoordinator(st, env, notifier, auditLog,
		referral.WithBaseURL(cfg.PublicBaseURL))
	provider := session.NewProviderStore(st, auditLog)
	admin := session.NewAdminStore(st, auditLog)
	limiter := rate.NewLimiter(st)

	api := httpapi.New(cfg, tokens, disclosures, referrals, provider, admin, limiter, auditLog, probe, version)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go referral.NewSweeper(st, cfg.SweepInterval).Run(sweepCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting carelink-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgst != nil {
		_ = pgst.Close()
	}
	log.Println("Stopped")
}
