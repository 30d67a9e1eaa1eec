package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openline-dev/forumchat/internal/server/handlers"
	"github.com/openline-dev/forumchat/internal/server/ratelimit"
	"github.com/openline-dev/forumchat/internal/server/storage"
	"github.com/openline-dev/forumchat/internal/server/ws"
)

func main() {
	addr := os.Getenv("FORUMCHAT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store := storage.New()
	defer store.Close()
	if err := store.Migrate(); err != nil {
		log.Fatal("migration failed:", err)
	}

	hub := ws.NewHub(store)
	go hub.Run()

	limiter := ratelimit.New()
	defer limiter.Stop()

	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.New(store, hub, limiter).Routes(),
	}

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
