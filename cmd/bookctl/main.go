// Command bookctl is a small operator tool for inspecting and maintaining
// the order book database.
//
// Usage:
//
//	bookctl -db ./data/order_book.db status
//	bookctl -db ./data/order_book.db purge -older-than 168h
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"fxPilot/internal/adapters/logger"
	"fxPilot/internal/adapters/sqlite"
	"fxPilot/internal/domain"
)

func main() {
	dbPath := flag.String("db", "./data/order_book.db", "path to the order book database")
	olderThan := flag.Duration("older-than", 7*24*time.Hour, "purge: minimum age of terminal orders to delete")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: bookctl [-db path] status | purge [-older-than 168h]")
		os.Exit(2)
	}

	appLogger := logger.NewStdLogger(logger.LevelWarn)
	store, err := sqlite.NewStore(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open order book: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch flag.Arg(0) {
	case "status":
		if err := printStatus(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
			os.Exit(1)
		}
	case "purge":
		n, err := store.PurgeTerminal(ctx, *olderThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("purged %d terminal orders older than %s\n", n, olderThan.String())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}
}

func printStatus(ctx context.Context, store *sqlite.Store) error {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	fmt.Println("orders by status:")
	total := 0
	for _, st := range statuses {
		n := counts[domain.OrderStatus(st)]
		fmt.Printf("  %-10s %d\n", st, n)
		total += n
	}
	fmt.Printf("  %-10s %d\n", "TOTAL", total)

	active, err := store.ActiveOrders(ctx, "")
	if err != nil {
		return err
	}
	if len(active) > 0 {
		fmt.Println("\nactive orders:")
		for _, ord := range active {
			uncertain := ""
			if ord.SubmissionUncertain {
				uncertain = " (submission uncertain)"
			}
			fmt.Printf("  %s %s %s %.4f filled %.4f @ %.4f%s\n",
				ord.Coid, ord.Symbol, ord.Side, ord.Qty, ord.FilledQty, ord.AvgFillPrice, uncertain)
		}
	}
	return nil
}
