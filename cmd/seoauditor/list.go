package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List crawls eligible for resume (running, paused, or failed)",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&backendKind, "backend", "ndjson", "persistence backend: ndjson, sqlite, postgres")
	listCmd.Flags().StringVar(&backendDSN, "dsn", "./seoauditor-data", "backend DSN")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	backend, err := newBackend()
	if err != nil {
		return err
	}
	if backend == nil {
		return fmt.Errorf("list requires a persistent backend, not memory")
	}
	defer backend.Close()

	headers, err := backend.ListResumable(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list resumable crawls: %w", err)
	}
	if len(headers) == 0 {
		fmt.Println("no resumable crawls found")
		return nil
	}
	for _, h := range headers {
		fmt.Printf("%s  %-10s %s  (crawled %d urls)\n", h.CrawlID, h.Status, h.BaseURL, h.Stats.Crawled)
	}
	return nil
}
