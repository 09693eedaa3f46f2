// Package main runs ZapAI: a nostr bot that answers private and public
// messages through a configurable AI backend, metering usage against a
// sats balance funded by NIP-57 zap receipts. Configuration is read from
// environment variables.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/bot"
	"zapai.dev/pkg/config"
	"zapai.dev/pkg/httpapi"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.New()
	if chk.E(err) {
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	b, err := bot.New(ctx, cfg)
	if chk.E(err) {
		log.F.F("failed to construct bot: %v", err)
	}

	api := httpapi.New(b, cfg.DashboardPassword)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebPort), Handler: api}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.E.F("observability server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.I.Ln("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		b.Shutdown()
		os.Exit(0)
	}()

	log.I.F("%s listening on %d relays, dashboard on :%d", cfg.BotName, len(cfg.Relays), cfg.WebPort)
	b.Run(ctx)
}

