package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seoauditor/crawler/internal/crawl"
)

func printStatus(s crawl.Status) {
	fmt.Printf("\ncrawl %s: %s\n", s.CrawlID, s.Status)
	fmt.Printf("  discovered:   %d\n", s.Stats.Discovered)
	fmt.Printf("  crawled:      %d\n", s.Stats.Crawled)
	fmt.Printf("  max depth:    %d\n", s.Stats.MaxDepthReached)
	fmt.Printf("  speed:        %.2f req/s\n", s.Stats.SpeedRPS)
	fmt.Printf("  progress:     %.1f%%\n", s.ProgressPct)
	fmt.Printf("  issues found: %d\n", len(s.Issues))

	var totalBytes int64
	for _, u := range s.URLs {
		totalBytes += u.SizeBytes
	}
	fmt.Printf("  bytes fetched: %s\n", humanize.Bytes(uint64(totalBytes)))
}

func init() {
	resumeCmd := &cobra.Command{
		Use:   "resume <crawl-id>",
		Short: "Resume a crawl from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	resumeCmd.Flags().StringVar(&backendKind, "backend", "ndjson", "persistence backend: ndjson, sqlite, postgres")
	resumeCmd.Flags().StringVar(&backendDSN, "dsn", "./seoauditor-data", "backend DSN")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	crawlID := args[0]

	backend, err := newBackend()
	if err != nil {
		return err
	}
	if backend == nil {
		return fmt.Errorf("resume requires a persistent backend, not memory")
	}
	defer backend.Close()

	engine := crawl.NewEngine(backend, logger)

	ok, msg := engine.ResumeFromStore(cmd.Context(), crawlID)
	if !ok {
		return fmt.Errorf("failed to resume crawl: %s", msg)
	}
	fmt.Printf("crawl resumed: %s\n", msg)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		paused := false
		for range interrupts {
			if !paused {
				engine.Pause(context.Background())
				paused = true
				continue
			}
			engine.Stop(context.Background())
			return
		}
	}()

	engine.Wait()
	signal.Stop(interrupts)

	printStatus(engine.GetStatus())
	return nil
}
