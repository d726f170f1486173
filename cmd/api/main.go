package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/dashboard"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/payment"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	gateway := payment.NewHTTPGateway(os.Getenv("PAYMENT_GATEWAY_URL"))

	escrowRepo := escrow.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)

	srv := &server{
		escrows:    escrow.NewService(escrowRepo, gateway),
		confirms:   escrow.NewCoordinator(escrowRepo, gateway),
		lister:     escrowRepo,
		disputes:   dispute.NewService(pool, disputeRepo, escrowRepo, gateway),
		auth:       auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET")),
		dashboards: dashboard.NewRepository(pool),
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}

	worker := outbox.NewWorker(pool, outbox.PublisherFunc(func(ctx context.Context, msg outbox.Message) error {
		// The notification bus consumes these downstream; the default
		// publisher just records delivery.
		log.Printf("event %s: %s", msg.Topic, msg.Payload)
		return nil
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("escrow api listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := worker.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("escrow api exited: %v", err)
	}
}
