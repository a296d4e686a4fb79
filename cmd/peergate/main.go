package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peergate/internal/config"
	"peergate/internal/engine"
	"peergate/internal/logging"
	"peergate/internal/transport/httptransport"
	"peergate/internal/transport/quictransport"
	"peergate/internal/wallet"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func banner(identity, addr string) {
	c := color.New(color.FgCyan, color.Bold)
	c.Println("peergate")
	fmt.Printf("  identity  %s\n", identity)
	fmt.Printf("  listen    %s\n", addr)
}

func main() {
	configPath := flag.String("config", "peergate.toml", "path to TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
		} else {
			die("load config", err)
		}
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		die("init logging", err)
	}
	defer logger.Sync()

	priv, err := wallet.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		die("load key", err)
	}
	w, err := wallet.NewKeyWallet(priv)
	if err != nil {
		die("init wallet", err)
	}

	eng := engine.New(engine.Options{
		Wallet:               w,
		AllowUnauthenticated: cfg.AllowUnauthenticated,
		IdleTimeout:          cfg.IdleTimeout(),
		NonceRetention:       cfg.Retention(),
		Registry:             prometheus.DefaultRegisterer,
		Logger:               logger,
	})
	defer eng.Close()
	eng.StartEvictor(0)

	transport := httptransport.New(httptransport.Options{
		Engine: eng,
		// Prices are keyed per route; derivation bindings still cover the
		// full request target including the query.
		Pricing: func(r *http.Request) uint64 {
			return cfg.Price(r.Method + " " + r.URL.Path)
		},
		Logger: logger,
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Post(httptransport.WellKnownAuthPath, transport.WellKnown())
	r.Group(func(r chi.Router) {
		r.Use(transport.Middleware)
		r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{
				"pong":     true,
				"identity": httptransport.IdentityFromContext(req.Context()),
			})
		})
		r.Get("/premium", func(w http.ResponseWriter, req *http.Request) {
			resp := map[string]any{
				"identity": httptransport.IdentityFromContext(req.Context()),
			}
			if p := httptransport.PaymentFromContext(req.Context()); p != nil {
				resp["satoshisPaid"] = p.SatoshisPaid
			}
			writeJSON(w, resp)
		})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.QUICAddr != "" {
		qs := quictransport.NewServer(quictransport.Options{Engine: eng, Logger: logger})
		go func() {
			if err := qs.ListenAndServe(ctx, cfg.QUICAddr); err != nil {
				logger.Error("quic server stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	banner(w.IdentityKey().Hex(), cfg.ListenAddr)
	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		die("serve", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
