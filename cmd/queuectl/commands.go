package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtr002/render-queue/internal/app"
	"github.com/mtr002/render-queue/internal/config"
	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/nats"
)

// cli holds what the subcommands share once PersistentPreRunE has run.
type cli struct {
	configPath string
	cfg        *config.Config
	stores     *app.Stores
	nats       *nats.Client
	manager    *jobs.Manager
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Inspect and operate the render job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.close()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to the YAML config file (default $RENDERQ_CONFIG)")

	root.AddCommand(
		c.listCmd(),
		c.statusCmd(),
		c.enqueueCmd(),
		c.cancelCmd(),
		c.forceCancelCmd(),
		c.retriggerCmd(),
		c.statsCmd(),
		c.wakeCmd(),
	)
	return root
}

func (c *cli) open() error {
	path := c.configPath
	if path == "" {
		path = os.Getenv("RENDERQ_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Init("queuectl", cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return errors.New("queuectl operates on the shared postgres job store")
	}
	c.cfg = cfg

	if c.stores, err = app.OpenStores(cfg); err != nil {
		return err
	}

	var opts []jobs.Option
	if cfg.NATS.Enabled {
		if c.nats, err = nats.NewClient(cfg.NATS.URL, "queuectl"); err != nil {
			return err
		}
		opts = append(opts, jobs.WithEvents(c.nats), jobs.WithNotifier(c.nats))
	}
	c.manager = app.NewManager(cfg, c.stores, opts...)
	return nil
}

func (c *cli) close() {
	if c.nats != nil {
		c.nats.Close()
	}
	if c.stores != nil {
		c.stores.Close()
	}
}

func (c *cli) listCmd() *cobra.Command {
	var filter interfaces.ListFilter
	var status, jobType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = interfaces.JobStatus(status)
			filter.Type = interfaces.JobType(jobType)
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if filter.Type != "" && !filter.Type.Valid() {
				return fmt.Errorf("unknown job type %q", jobType)
			}

			list, total, err := c.manager.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), list)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d jobs\n", len(list), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().StringVar(&filter.OrderID, "order", "", "filter by order id substring")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status job-id",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.manager.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

func (c *cli) enqueueCmd() *cobra.Command {
	var opts jobs.EnqueueOptions
	var urgent bool
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "enqueue type payload-json",
		Short: "Enqueue a job, deduplicated against pending and processing jobs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType := interfaces.JobType(args[0])
			if !jobType.Valid() {
				return fmt.Errorf("unknown job type %q", args[0])
			}
			if urgent && opts.Priority == 0 {
				opts.Priority = c.cfg.Queue.UrgentPriority
			}
			if delay > 0 {
				opts.ScheduledFor = time.Now().Add(delay)
			}

			res, err := c.manager.EnqueueRaw(cmd.Context(), jobType, json.RawMessage(args[1]), opts)
			if err != nil {
				return err
			}
			if res.IsDuplicate {
				fmt.Fprintf(cmd.OutOrStdout(), "Duplicate of active job %s\n", res.JobID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job enqueued: %s\n", res.JobID)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority, lower runs first (default from config)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "use the urgent priority")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry budget (default from config)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "schedule the job this far in the future")
	cmd.Flags().BoolVar(&opts.SkipDuplicateCheck, "skip-dedup", false, "enqueue even if an equivalent job is active")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel job-id",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.manager.CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
			return nil
		},
	}
}

func (c *cli) forceCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-cancel job-id",
		Short: "Cancel a processing job and release its lock",
		Long: "Cancel a processing job and release its lock. Render work already " +
			"submitted for the job keeps running on the render service.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.manager.ForceCancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s force-cancelled\n", args[0])
			return nil
		},
	}
}

func (c *cli) retriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrigger job-id",
		Short: "Run a failed or cancelled job again as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := c.manager.RetriggerJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s retriggered as %s\n", args[0], newID)
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status over a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours <= 0 {
				hours = c.cfg.Queue.StatsWindowHours
			}
			stats, err := c.manager.GetJobStats(cmd.Context(), hours)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 0, "window in hours (default from config)")
	return cmd
}

func (c *cli) wakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Tell idle workers to poll now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.nats == nil {
				return errors.New("wake needs nats.enabled; workers still poll on their interval")
			}
			if err := c.nats.PublishWake(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wake published")
			return nil
		},
	}
}

func printJobs(w io.Writer, list []*interfaces.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tCREATED\tERROR")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
			j.CreatedAt.Local().Format(time.DateTime), truncate(j.Error, 60))
	}
	tw.Flush()
}

func printStats(w io.Writer, stats *jobs.JobStats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Last %d hours\t\n", stats.WindowHours)
	for _, s := range interfaces.Statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, stats.Counts[s])
	}
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
