// Command dlqctl inspects and replays the dead-letter queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/app"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/logging"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/worker"
)

type env struct {
	cfg     config.Config
	runtime *worker.Runtime
	close   func() error
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	client := queue.NewClient(cfg.Redis)
	rt := worker.NewRuntime(queue.NewRedisQueue(client, cfg.Queue), log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)), nil)
	return &env{cfg: cfg, runtime: rt, close: client.Close}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "dlqctl",
		Short:         "Inspect and replay dead-lettered jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(listCmd(), replayCmd(), statsCmd(), jobCmd(), taskCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dlqctl:", err)
		os.Exit(1)
	}
}

func withEnv(fn func(ctx context.Context, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = e.close() }()
		return fn(cmd.Context(), e, args)
	}
}

func listCmd() *cobra.Command {
	var n int64
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show entries at the head of the dead-letter queue",
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			entries, err := e.runtime.DeadLetters(ctx, n)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				for _, entry := range entries {
					if err := enc.Encode(entry); err != nil {
						return err
					}
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tQUEUE\tATTEMPTS\tPERMANENT\tFAILED AT\tERROR")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n", entry.JobID, entry.Queue, entry.AttemptsMade, entry.Permanent, entry.FailedAt.Format(time.RFC3339), entry.Error)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().Int64VarP(&n, "n", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON lines, payload included")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Run one dead-letter sweep now: every entry is re-enqueued once",
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			n, err := e.runtime.SweepDeadLetters(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("replayed %d jobs\n", n)
			return nil
		}),
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show depth of every queue and of the dead-letter queue",
		RunE: withEnv(func(ctx context.Context, e *env, _ []string) error {
			stats, dlq, err := e.runtime.Stats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tREADY\tIN FLIGHT\tSCHEDULED")
			for _, st := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", st.Queue, st.Ready, st.InFlight, st.Scheduled)
			}
			fmt.Fprintf(w, "%s\t%d\t\t\n", e.cfg.Queue.DLQName, dlq)
			return w.Flush()
		}),
	}
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job ID",
		Short: "Show the stored record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			job, err := e.runtime.Job(ctx, args[0])
			if errors.Is(err, queue.ErrJobNotFound) {
				return fmt.Errorf("job %s not found: it completed or its record expired", args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}),
	}
}

func taskCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "task TYPE [JSON]",
		Short:   "Enqueue a generic task, e.g. unread.reconcile '{\"conversation_id\":\"c1\"}'",
		Args:    cobra.RangeArgs(1, 2),
		Example: "  dlqctl task presence.sweep\n  dlqctl task unread.reconcile '{\"conversation_id\":\"c1\"}'",
		RunE: withEnv(func(ctx context.Context, e *env, args []string) error {
			data := json.RawMessage(`{}`)
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("task data is not valid JSON")
				}
				data = json.RawMessage(args[1])
			}
			id, err := e.runtime.EnqueueTask(ctx, args[0], data, app.TaskOptions(e.cfg.Queue))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		}),
	}
}
