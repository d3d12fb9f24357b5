package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/config"
	"github.com/newsharvest/gdelt-harvester/internal/dispatcher"
	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// collectPollInterval is how often the local wait loop re-reads the aggregate.
const collectPollInterval = 500 * time.Millisecond

// newCollectCmd creates the 'collect' subcommand: dispatch one collection
// from the command line.
func newCollectCmd() *cobra.Command {
	var (
		query       string
		maxArticles int
		yearsBack   int
		regions     []string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Dispatch a collection for a query",
		Long: `Plans the work unit grid for a query and enqueues it. With the memory
queue provider the workers run in-process until the collection reaches a
terminal status; with a durable queue the command exits after dispatch and
the collection is processed by separate workers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd, dispatcher.Request{
				Query:       query,
				MaxArticles: maxArticles,
				YearsBack:   yearsBack,
				Regions:     regions,
			}, wait)
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "news query to harvest (required)")
	cmd.Flags().IntVar(&maxArticles, "max-articles", 0, "max articles per work unit")
	cmd.Flags().IntVar(&yearsBack, "years-back", 0, "calendar years of history to cover")
	cmd.Flags().StringSliceVar(&regions, "regions", nil, "macro-regions to cover (default: all)")
	cmd.Flags().BoolVar(&wait, "wait", true, "with the memory queue, wait for the collection to finish")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

func runCollect(cmd *cobra.Command, req dispatcher.Request, wait bool) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.Logger.Warn("close application services", zap.Error(cerr))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := a.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return fmt.Errorf("dispatch collection: %w", err)
	}
	printJSON(cmd, result)

	// A durable queue hands the units to external workers; nothing to wait on.
	if !wait || a.Config.Queue.Provider != config.ProviderMemory {
		return nil
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var wg sync.WaitGroup
	startWorkers(workerCtx, a, &wg)

	final, err := waitForCollection(ctx, a.Store, result.CollectionID)
	cancelWorkers()
	wg.Wait()
	if err != nil {
		return err
	}

	printJSON(cmd, final)
	return nil
}

// waitForCollection polls the aggregate until it reaches a terminal status.
func waitForCollection(ctx context.Context, store harvest.StatusStore, collectionID string) (harvest.Collection, error) {
	ticker := time.NewTicker(collectPollInterval)
	defer ticker.Stop()
	for {
		c, _, err := store.GetCollection(ctx, collectionID)
		if err != nil {
			return harvest.Collection{}, fmt.Errorf("poll collection %s: %w", collectionID, err)
		}
		if c.Status.Terminal() {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, fmt.Errorf("wait for collection %s: %w", collectionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printJSON(cmd *cobra.Command, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.PrintErrln("encode output:", err)
		return
	}
	cmd.Println(string(out))
}
