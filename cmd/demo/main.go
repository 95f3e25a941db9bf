package main

// Crash-recovery demo with simulated executors.
//
//	go run ./cmd/demo start     # scrape, then start a slow check; press Ctrl+C mid-check
//	go run ./cmd/demo recover   # reload the snapshot and journal, then finish the check

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/proxy-suite/internal/controller"
	"github.com/ChuLiYu/proxy-suite/internal/probe"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

const dataDir = "data/demo"

var sources = []types.Source{
	{URL: "https://demo.invalid/http.txt", Protocol: types.ProtocolHTTP, Format: types.FormatText},
	{URL: "https://demo.invalid/socks5.txt", Protocol: types.ProtocolSOCKS5, Format: types.FormatText},
	{URL: "https://demo.invalid/https.txt", Protocol: types.ProtocolHTTPS, Format: types.FormatText},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	settings := types.DefaultSettings()
	settings.Workers = 4
	settings.EnableRevalidation = false

	ctrl, err := controller.NewController(controller.Config{
		SnapshotPath:     filepath.Join(dataDir, "state.json"),
		JournalPath:      filepath.Join(dataDir, "history.jsonl"),
		SnapshotInterval: time.Second,
		Settings:         &settings,
		Sources:          sources,
		NewFetcher: func(types.Settings) worker.Executor {
			return probe.NewSimulatedSource(300, time.Now().UnixNano())
		},
		NewChecker: func(mode types.CheckMode, targets []string, _ types.Settings) worker.Executor {
			return probe.NewSimulated(mode, targets, 40*time.Millisecond, time.Now().UnixNano())
		},
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	start := time.Now()
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started in %s (mode: %s)\n", time.Since(start).Round(time.Microsecond), mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "start":
		if ctrl.Store().Len() > 0 {
			fmt.Printf("\n⚠️  Found %d candidates from a previous run (recovered from crash!)\n", ctrl.Store().Len())
			fmt.Printf("   Run 'go run ./cmd/demo recover' to continue, or remove %s to start fresh\n", dataDir)
			break
		}
		if err := ctrl.StartScrape(ctx, nil); err != nil {
			log.Fatalf("Failed to start scrape: %v", err)
		}
		if _, err := ctrl.Wait(ctx); err != nil {
			break
		}
		fmt.Printf("✓ Scraped %d unique candidates\n", ctrl.Store().Len())

		if err := ctrl.StartCheck(ctx, types.ModeStandard, nil, nil); err != nil {
			log.Fatalf("Failed to start check: %v", err)
		}
		fmt.Printf("\n⚡ Checking with %d workers...\n", settings.Workers)
		fmt.Printf("💡 Press Ctrl+C NOW to interrupt the check mid-batch!\n\n")
		watch(ctx, ctrl)

	case "recover":
		s := ctrl.Store().Summary()
		history, _ := ctrl.History(0)
		fmt.Printf("\n📊 Immediate Status After Recovery:\n")
		fmt.Printf("  Candidates: %d\n", s.Unique)
		fmt.Printf("  Valid:      %d\n", s.Valid)
		fmt.Printf("  Invalid:    %d\n", s.Invalid)
		fmt.Printf("  History:    %d entries\n", len(history))
		for _, e := range history {
			fmt.Printf("    %s %-6s cancelled=%t %v\n", e.Date.Local().Format(time.TimeOnly), e.Kind, e.Cancelled, e.Details)
		}

		if s.Unique > 0 {
			fmt.Printf("\n⏳ Re-running the check on the recovered collection...\n")
			if err := ctrl.StartCheck(ctx, types.ModeStandard, nil, nil); err != nil {
				log.Fatalf("Failed to start check: %v", err)
			}
			watch(ctx, ctrl)
		}

	default:
		log.Fatalf("unknown mode %q", mode)
	}

	fmt.Println("\nStopping gracefully...")
	ctrl.Shutdown()
	fmt.Println("✓ Controller stopped, state saved to", dataDir)
}

// watch prints progress until the batch finishes or ctx is cancelled
func watch(ctx context.Context, ctrl *controller.Controller) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for ctrl.Busy() {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, cancelling the running batch...")
			return
		case <-ticker.C:
			p := ctrl.Info().Progress
			fmt.Printf("📊 %d/%d (%.1f%%) %.0f/s\n", p.CompletedCount, p.TotalCount, p.Percentage, p.ItemsPerSecond)
		}
	}
	if o := ctrl.LastOutcome(); o != nil {
		s := ctrl.Store().Summary()
		fmt.Printf("\n✓ %s finished: %d processed in %s, %d valid / %d invalid\n",
			o.Kind, o.Processed, o.Duration.Round(time.Millisecond), s.Valid, s.Invalid)
	}
}
