// streamtest opens one user session against the brokerage streamer, waits
// until every requested symbol has a cached quote, and prints the records.
// Usage: go run ./cmd/streamtest --config configs/streamgate.local.yaml --user alice --symbols SPY,QQQ
//
// Without a credential database, set:
//
//	STREAM_USER_ID      - User the token belongs to
//	STREAM_ACCESS_TOKEN - Brokerage streamer token
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/marketstream/internal/app"
	"github.com/rickgao/marketstream/internal/cache"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/subscription"
)

// console prints session events as they arrive.
type console struct {
	verbose bool
}

func (c console) Broadcast(userID, eventType string, payload any) {
	if !c.verbose {
		fmt.Printf("[%s] user=%s\n", strings.ToUpper(eventType), userID)
		return
	}
	data, _ := json.Marshal(payload)
	fmt.Printf("[%s] user=%s %s\n", strings.ToUpper(eventType), userID, data)
}

func main() {
	configPath := flag.String("config", "configs/streamgate.local.yaml", "path to config file")
	userID := flag.String("user", os.Getenv("STREAM_USER_ID"), "user whose credential opens the session")
	symbolList := flag.String("symbols", "SPY", "comma-separated symbols")
	watch := flag.Duration("watch", 0, "keep streaming events for this long after ready")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Log)

	var symbols []string
	for _, s := range strings.Split(*symbolList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if *userID == "" || len(symbols) == 0 {
		logger.Error("--user and --symbols are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	comp, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}
	defer comp.Close()

	reg := app.NewRegistry(cfg, comp, console{verbose: *verbose}, logger)

	logger.Info("waiting for data", "user_id", *userID, "symbols", symbols, "timeout", cfg.Sessions.ReadyTimeout)
	start := time.Now()
	ready := reg.EnsureReady(ctx, *userID, symbols, cfg.Sessions.ReadyTimeout)
	logger.Info("readiness resolved", "ready", ready, "elapsed", time.Since(start))

	printRecords(ctx, comp.Cache, *userID, symbols)

	if ready && *watch > 0 {
		logger.Info("streaming events - press Ctrl+C to stop", "for", *watch)
		select {
		case <-ctx.Done():
		case <-time.After(*watch):
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := reg.Stop(shutdownCtx); err != nil {
		logger.Warn("registry stop error", "error", err)
	}

	if !ready {
		os.Exit(1)
	}
}

func printRecords(ctx context.Context, c *cache.Cache, userID string, symbols []string) {
	keys := make([]cache.Key, 0, len(symbols))
	names := make(map[cache.Key]string, len(symbols))
	for _, sym := range symbols {
		canonical, err := subscription.ToCanonical(sym)
		if err != nil {
			fmt.Printf("[SKIP] %q: %v\n", sym, err)
			continue
		}
		key := cache.QuoteKey(userID, canonical)
		keys = append(keys, key)
		names[key] = canonical
	}

	records := cache.GetManyAs[model.MarketRecord](ctx, c, keys)
	for _, key := range keys {
		rec, ok := records[key]
		if !ok {
			fmt.Printf("[MISSING] %s\n", names[key])
			continue
		}
		fmt.Printf("[QUOTE] %s bid=%s x %d ask=%s x %d last=%s volume=%d\n",
			rec.Symbol, rec.Bid, rec.BidSize, rec.Ask, rec.AskSize, rec.Last, rec.Volume)
	}
}
