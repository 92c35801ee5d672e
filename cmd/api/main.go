package main

import (
	"context"
	"log"

	"studio-backend/internal/bootstrap"
	"studio-backend/internal/shared/config"
	"studio-backend/internal/shared/server"
)

func main() {
	cfg := config.Load()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	// Pick up sessions that were mid-run when the previous process died.
	if recovered, err := app.RecoverSessions(context.Background()); err != nil {
		log.Printf("session recovery failed: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d interrupted sessions", recovered)
	}

	addr := server.Addr(cfg.Port)
	log.Printf("Starting API server on %s", addr)

	if err := app.Router.Run(addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
