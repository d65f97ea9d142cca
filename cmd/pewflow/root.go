package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pewflow/internal/app"
	"pewflow/internal/task/engine"
	"pewflow/internal/task/instance"
	"pewflow/internal/task/schedule"
	"pewflow/internal/workflow"
	"pewflow/internal/workflows"
)

type rootFlags struct {
	config string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "pewflow",
		Short:         "Periodic workflow runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.config, "config", "", "path to config (json or yaml); empty uses defaults")

	root.AddCommand(
		newRunCmd(f),
		newTickCmd(f),
		newDueCmd(f),
		newListCmd(f),
		newValidateCmd(f),
	)
	return root
}

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trigger and engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			a, err := app.New(ctx, f.config, workflows.All()...)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

// newTickCmd evaluates every workflow once at --at, runs what became due
// and prints the resulting instances.
func newTickCmd(f *rootFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Tick every workflow once and run the due instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			now, err := parseAt(at)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, f.config, workflows.All()...)
			if err != nil {
				return err
			}
			eng := a.Engine()
			eng.Start(ctx)

			reports := eng.Tick(ctx, now)
			waitErr := eng.Wait(ctx)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tRUN_ID\tSTATE\tATTEMPTS\tERROR")
			for _, rep := range reports {
				for _, ts := range rep.Due {
					inst, ok := findInstance(eng.Instances(rep.WorkflowID), ts)
					if !ok {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", rep.WorkflowID, inst.RunID, inst.State, inst.Attempts, inst.LastError)
				}
			}
			_ = w.Flush()

			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			eng.Stop(stopCtx)
			_ = a.Stop(stopCtx, app.StopAppStop)
			return waitErr
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC3339); defaults to now")
	return cmd
}

func findInstance(list []instance.Instance, ts time.Time) (instance.Instance, bool) {
	for _, inst := range list {
		if inst.Key.LogicalDate.Equal(ts) {
			return inst, true
		}
	}
	return instance.Instance{}, false
}

// newDueCmd prints the due logical dates of every workflow without running
// anything.
func newDueCmd(f *rootFlags) *cobra.Command {
	var at, since string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Print the runs that are due at a given time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			now, err := parseAt(at)
			if err != nil {
				return err
			}
			var last time.Time
			if strings.TrimSpace(since) != "" {
				if last, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			calcs, err := calculators(cmd.Context(), f)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tRUN_ID\tLOGICAL_DATE")
			for _, def := range sortedDefs() {
				calc := calcs[def.ID]
				for ts := range calc.DueRuns(last, now) {
					fmt.Fprintf(w, "%s\t%s\t%s\n", def.ID, instance.RunID(ts), ts.UTC().Format(time.RFC3339))
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC3339); defaults to now")
	cmd.Flags().StringVar(&since, "since", "", "last materialized logical date (RFC3339)")
	return cmd
}

func newListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			calcs, err := calculators(cmd.Context(), f)
			if err != nil {
				return err
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tSCHEDULE\tCATCH_UP\tOWNER\tTAGS\tNEXT")
			for _, def := range sortedDefs() {
				calc := calcs[def.ID]
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
					def.ID, def.Schedule, def.CatchUp, def.Owner, strings.Join(def.Tags, ","),
					calc.Next(now).UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and the built-in workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := app.LoadConfig(cmd.Context(), f.config); err != nil {
				return err
			}
			reg := workflow.NewRegistry()
			for _, def := range workflows.All() {
				if err := reg.Register(def); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d workflow(s)\n", reg.Len())
			return nil
		},
	}
}

func sortedDefs() []workflow.Definition {
	defs := workflows.All()
	slices.SortFunc(defs, func(a, b workflow.Definition) int { return strings.Compare(a.ID, b.ID) })
	return defs
}

// calculators builds one calculator per built-in workflow under the engine
// config, so timezone and catch-up cap match what run would do.
func calculators(ctx context.Context, f *rootFlags) (map[string]*schedule.Calculator, error) {
	cfg, err := app.LoadConfig(ctx, f.config)
	if err != nil {
		return nil, err
	}
	ecfg, err := app.EngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*schedule.Calculator)
	for _, def := range workflows.All() {
		calc, err := engine.Calculator(def, ecfg)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", def.ID, err)
		}
		out[def.ID] = calc
	}
	return out, nil
}

func parseAt(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return t, nil
}
