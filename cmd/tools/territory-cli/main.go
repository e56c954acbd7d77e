package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/annel0/mmo-territory/internal/auth"
	"github.com/annel0/mmo-territory/internal/config"
	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/pricing"
	"github.com/annel0/mmo-territory/internal/storage"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
)

const timeFormat = "2006-01-02T15:04:05Z"

func main() {
	var (
		configPath = flag.String("config", "", "YAML config (default TERRITORY_CONFIG)")
		command    = flag.String("cmd", "tail", "Command: tail, history, price, hash-password, secret")
		natsURL    = flag.String("nats", "", "NATS URL (overrides eventbus.url)")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Source nodes filter (comma-separated)")
		world      = flag.String("world", "world", "World name")
		x          = flag.Int("x", 0, "Cell X")
		z          = flag.Int("z", 0, "Cell Z")
		limit      = flag.Int("limit", 20, "Maximum number of history records")
		from       = flag.Int("from", 0, "Cells already purchased")
		count      = flag.Int("count", 1, "Cells to price")
		password   = flag.String("password", "", "Password to hash")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch *command {
	case "tail":
		url := cfg.EventBus.URL
		if *natsURL != "" {
			url = *natsURL
		}
		err = tailEvents(cfg, url, eventbus.Filter{
			Types:   parseStringList(*eventTypes),
			Sources: parseStringList(*sources),
		})
	case "history":
		err = showHistory(cfg, territory.CellKey{World: *world, X: *x, Z: *z}, *limit)
	case "price":
		err = showPrice(cfg, *from, *count)
	case "hash-password":
		err = hashPassword(*password)
	case "secret":
		var secret string
		secret, err = auth.GenerateSecureSecret()
		if err == nil {
			fmt.Println(secret)
		}
	default:
		log.Fatalf("Unknown command: %s", *command)
	}
	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
}

// tailEvents печатает события территорий до Ctrl+C
func tailEvents(cfg *config.Config, url string, f eventbus.Filter) error {
	if url == "" {
		return fmt.Errorf("NATS URL is not configured (use -nats or eventbus.url)")
	}
	bus, err := eventbus.NewJetStreamBus(url, cfg.EventBus.Stream, cfg.EventBus.RetentionDuration())
	if err != nil {
		return fmt.Errorf("connect jetstream: %w", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("📡 Streaming territory events from %s (stream %s)\n", url, cfg.EventBus.Stream)
	var received atomic.Int64
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, env *eventbus.Envelope) {
		received.Add(1)
		printEvent(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	<-ctx.Done()
	sub.Unsubscribe()

	fmt.Printf("\n📊 Total events: %d\n", received.Load())
	return nil
}

// showHistory печатает журнал передач клетки из настроенного хранилища
func showHistory(cfg *config.Config, key territory.CellKey, limit int) error {
	repo, err := openRepository(cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("📜 Transfer history for %s\n", key)
	if cell, err := repo.GetCell(ctx, key); err == nil {
		fmt.Printf("Current claim: %d\n", cell.ClaimID)
	} else {
		fmt.Println("Current claim: none")
	}

	records, err := repo.ListTransfers(ctx, key, limit)
	if err != nil {
		return fmt.Errorf("list transfers: %w", err)
	}
	for _, rec := range records {
		fmt.Printf("[%s] %-10s %d -> %d actor=%s",
			rec.At.UTC().Format(timeFormat), rec.Kind, rec.FromClaim, rec.ToClaim, rec.Actor)
		if rec.ToPlayer != uuid.Nil {
			fmt.Printf(" player=%s", rec.ToPlayer)
		}
		fmt.Println()
	}
	fmt.Printf("\n📊 Records: %d\n", len(records))
	return nil
}

// showPrice печатает стоимость покупки count клеток после from купленных
func showPrice(cfg *config.Config, from, count int) error {
	if from < 0 || count <= 0 {
		return fmt.Errorf("invalid range: from=%d count=%d", from, count)
	}
	prices, err := pricing.New(cfg.Pricing)
	if err != nil {
		return err
	}
	fmt.Printf("💰 %d cells after %d purchased: %.2f\n", count, from, prices.BulkPrice(from, count))
	fmt.Printf("   next cell: %.2f\n", prices.CellPrice(from))
	return nil
}

func hashPassword(password string) error {
	if password == "" {
		return fmt.Errorf("-password is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func openRepository(cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Backend {
	case "maria":
		return storage.NewMariaRepository(cfg.DSN)
	case "badger":
		return storage.NewBadgerRepository(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("history needs a persistent storage backend, got %q", cfg.Backend)
	}
}

// printEvent выводит событие в читаемом формате
func printEvent(env *eventbus.Envelope) {
	fmt.Printf("[%s] %s [%s] %s\n",
		env.Timestamp.Format("15:04:05"),
		env.Source,
		env.EventType,
		env.ID)

	ev, err := env.Decode()
	if err != nil {
		fmt.Printf("  ⚠️ %v\n", err)
		return
	}
	switch ev.Type {
	case eventbus.CellTransferred, eventbus.CellReassigned:
		fmt.Printf("  Claims: %d -> %d Cells: %d Actor: %s\n", ev.FromClaim, ev.ToClaim, len(ev.Cells), ev.Actor)
	case eventbus.ChunksPurchased, eventbus.ChunksAllocated:
		fmt.Printf("  Claim: %d Count: %d Price: %.2f Actor: %s\n", ev.ClaimID, ev.Count, ev.Price, ev.Actor)
	case eventbus.GroupChanged:
		fmt.Printf("  Claim: %d %s Actor: %s\n", ev.ClaimID, ev.Detail, ev.Actor)
	default:
		fmt.Printf("  Claim: %d World: %s Cells: %d Actor: %s\n", ev.ClaimID, ev.World, len(ev.Cells), ev.Actor)
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
