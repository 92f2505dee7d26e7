package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"github.com/vitos/crypto_ob_trader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_ob_trader/internal/infrastructure/logger"
	"github.com/vitos/crypto_ob_trader/internal/infrastructure/notifier"
	"github.com/vitos/crypto_ob_trader/internal/infrastructure/storage"
	"github.com/vitos/crypto_ob_trader/internal/usecase"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint)

	var venue domain.Exchange = bybit
	if cfg.Exchange.Mode == "paper" {
		log.Info("Running in paper mode", zap.Float64("balance", cfg.Exchange.PaperBalance))
		venue = exchange.NewPaperExchange(bybit, cfg.Exchange.PaperBalance, cfg.Exchange.TakerFeePct, log)
	}

	if err := bybit.ConnectWS([]string{cfg.Trading.Symbol}); err != nil {
		log.Warn("Websocket connect failed, prices will use REST", zap.Error(err))
	}

	// 5. Init Notifier
	var notify domain.Notifier = notifier.NewLogNotifier(log)
	if cfg.Notifier.EmailEnabled {
		notify = notifier.NewEmailNotifier(cfg.Notifier, log)
	}

	// 6. Init Services
	gate := usecase.NewProtectionGate(store, store, notify, cfg.Protection, log)
	scan := usecase.NewScanService(venue, store, cfg.Trading, cfg.Detector, cfg.Entry, log)
	entry := usecase.NewEntryService(venue, store, store, store, gate, notify, cfg.Trading, cfg.Entry, log)
	monitor := usecase.NewMonitorService(venue, store, store, store, notify, cfg.Trading, cfg.Detector, cfg.Monitor, log)
	worker := usecase.NewBotWorker(scan, entry, monitor, cfg.Trading, cfg.Jobs, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. Metrics endpoint
	if cfg.Metrics.Port > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("Metrics listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// 8. Start Worker
	worker.Start(ctx)

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()

	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Shutdown timed out waiting for job loops")
	}
}
