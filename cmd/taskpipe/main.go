package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/northseadl/taskpipe"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:     "taskpipe",
		Short:   "Publish tasks and broadcasts over a taskpipe cluster",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML)")

	open := func(ctx context.Context) (taskpipe.Pipeline, taskpipe.Config, error) {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return nil, cfg, err
		}
		p, err := taskpipe.New(ctx, cfg)
		return p, cfg, err
	}

	rootCmd.AddCommand(newServeCmd(open), newPublishCmd(open), newBroadcastCmd(open), newDomainCmd(open))
	return rootCmd
}

type opener func(ctx context.Context) (taskpipe.Pipeline, taskpipe.Config, error)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeQuietly(p taskpipe.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.Close(ctx)
}

// newServeCmd 运行一个 Worker 节点：在给定队列上回显输入，并打印集群广播。
func newServeCmd(open opener) *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a worker node that echoes task input",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			p, cfg, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(p)

			for _, q := range queues {
				if err := p.CreateTaskQueue(ctx, q, ""); err != nil {
					return fmt.Errorf("create task queue %s: %w", q, err)
				}
				p.Workers().Register(taskpipe.NewJob(q, func(ctx context.Context, run *taskpipe.TaskRun) error {
					if err := run.Report(ctx, "received"); err != nil {
						return err
					}
					run.Output(string(run.Input()))
					return nil
				}))
			}
			stop, err := p.Workers().Start(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = stop(context.Background()) }()

			events := taskpipe.NewEventSubscriber("cli-"+fmt.Sprint(os.Getpid()), nil, func(ctx context.Context, e taskpipe.Event) error {
				fmt.Fprintf(cmd.OutOrStdout(), "broadcast on %s: %s\n", e.Queue, string(e.Payload))
				return nil
			})
			broadcastQueue := cfg.Pipeline.BroadcastQueue
			if broadcastQueue == "" {
				broadcastQueue = taskpipe.DefaultBroadcastQueue
			}
			if err := p.SubscribeToQueue(ctx, broadcastQueue, events); err != nil {
				return err
			}
			if err := p.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s, press Ctrl+C to stop\n", strings.Join(queues, ", "))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", []string{"jobs"}, "task queues to serve")
	return cmd
}

func newPublishCmd(open opener) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "publish <queue> <payload>",
		Short: "Publish a task and wait for its status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			p, _, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(p)

			st, err := p.PublishTask(ctx, args[0], []byte(args[1]), timeout, nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "time to wait for a terminal state (0 = fire and forget)")
	return cmd
}

func newBroadcastCmd(open opener) *cobra.Command {
	var all bool
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "broadcast [queue] <payload>",
		Short: "Broadcast a raw message to a queue or to every node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			p, _, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(p)

			if all {
				return p.BroadcastMessageToAll(ctx, []byte(args[len(args)-1]))
			}
			if len(args) != 2 {
				return fmt.Errorf("queue and payload required without --all")
			}
			ok, err := p.BroadcastDelayed(ctx, args[0], []byte(args[1]), delay)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no transport for queue %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "broadcast on the cluster-wide queue")
	cmd.Flags().DurationVar(&delay, "delay", 0, "deliver after this delay")
	return cmd
}

func newDomainCmd(open opener) *cobra.Command {
	domainCmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage exchange domains",
	}
	putCmd := &cobra.Command{
		Use:   "put <name> <config-json>",
		Short: "Register or replace a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, _, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(p)
			return p.RegisterDomain(ctx, args[0], args[1])
		},
	}
	rmCmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, _, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeQuietly(p)
			return p.DeleteDomain(ctx, args[0])
		},
	}
	domainCmd.AddCommand(putCmd, rmCmd)
	return domainCmd
}
