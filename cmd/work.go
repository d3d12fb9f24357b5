package cmd

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/app"
)

// newWorkCmd creates the 'work' subcommand: a queue consumer without the API.
func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run queue workers only",
		Long: `Starts a pool of queue workers without the HTTP API. Intended for
scaling consumption independently of the API, typically against the
Pub/Sub queue provider.`,
		RunE: runWork,
	}
}

func runWork(cmd *cobra.Command, _ []string) error {
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

	var wg sync.WaitGroup
	startWorkers(ctx, a, &wg)
	a.Logger.Info("workers running", zap.Int("concurrency", a.Config.Worker.Concurrency))

	<-ctx.Done()
	wg.Wait()
	return nil
}

// startWorkers launches the configured worker pool and, when enabled, the
// dead-letter drain.
func startWorkers(ctx context.Context, a *app.App, wg *sync.WaitGroup) {
	for i := 0; i < a.Config.Worker.Concurrency; i++ {
		w := a.NewWorker()
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	if !a.Config.Worker.DrainDeadLetters {
		return
	}
	drain := a.NewDeadLetterDrain()
	if drain == nil {
		a.Logger.Info("no dead-letter receiver configured, drain disabled")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		drain.Run(ctx)
	}()
}
