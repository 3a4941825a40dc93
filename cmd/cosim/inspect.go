package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/signalsfoundry/vehicle-cosim/internal/config"
	"github.com/signalsfoundry/vehicle-cosim/internal/control"
	"github.com/signalsfoundry/vehicle-cosim/internal/record"
	"github.com/signalsfoundry/vehicle-cosim/internal/units"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

const defaultStore = "runs.db"

func newValidateCmd() *cobra.Command {
	var get string
	cmd := &cobra.Command{
		Use:   "validate [scenario.yaml]",
		Short: "check a scenario file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if get != "" {
				v, ok := cfg.Provider().Get(get)
				if !ok {
					return fmt.Errorf("%s: not set", get)
				}
				return printValue(out, v)
			}
			fmt.Fprintf(out, "%s: %d units, %d init, %d coarse and %d fine wires, %.3fs to %.3fs at %gs\n",
				args[0], len(cfg.Units), len(cfg.InitWiring), len(cfg.Wiring), len(cfg.FineWiring),
				cfg.Simulation.StartTime, cfg.Simulation.EndTime, cfg.Simulation.StepSize)
			return nil
		},
	}
	cmd.Flags().StringVar(&get, "get", "", "print the value at a dotted path, e.g. units.0.parameters.mass")
	return cmd
}

func printValue(out io.Writer, v any) error {
	switch v.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		_, err := fmt.Fprintln(out, v)
		return err
	}
}

func newUnitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units [kind]",
		Short: "list built-in unit kinds or the signals of one kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, k := range units.Kinds() {
					fmt.Fprintln(out, units.Scheme+k)
				}
				return nil
			}
			sigs, err := units.Describe(strings.TrimPrefix(args[0], units.Scheme))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNAL\tKIND\tDEFAULT")
			for _, s := range sigs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Kind, s.Default)
			}
			return w.Flush()
		},
	}
}

func openStore(path string) (*record.Store, error) {
	if path == "" {
		path = defaultStore
	}
	return record.Open(path)
}

func newRunsCmd() *cobra.Command {
	var storePath, remove string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "list recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(storePath)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if remove != "" {
				return store.DeleteRun(ctx, remove)
			}
			runs, err := store.ListRuns(ctx)
			if err != nil {
				return err
			}
			return listRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&storePath, "store", defaultStore, "run history database")
	cmd.Flags().StringVar(&remove, "delete", "", "delete the run with this ID and its samples")
	return cmd
}

func listRuns(out io.Writer, runs []record.Run) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATE\tSTEPS\tTIME\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.3f\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.State, r.Steps, r.FinalTime, r.Err)
	}
	return w.Flush()
}

func newPlotCmd() *cobra.Command {
	var (
		storePath string
		height    int
		width     int
	)
	cmd := &cobra.Command{
		Use:   "plot <run-id> [signal]",
		Short: "plot a recorded signal in the terminal",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(storePath)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				sigs, err := store.Signals(ctx, args[0])
				if err != nil {
					return err
				}
				for _, s := range sigs {
					fmt.Fprintln(out, s)
				}
				return nil
			}
			points, err := store.Samples(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return plotSignal(out, args[1], points, height, width)
		},
	}
	cmd.Flags().StringVar(&storePath, "store", defaultStore, "run history database")
	cmd.Flags().IntVar(&height, "height", 15, "plot height in rows")
	cmd.Flags().IntVar(&width, "width", 0, "plot width in columns (0 uses one column per sample)")
	return cmd
}

func plotSignal(out io.Writer, signal string, points []record.Point, height, width int) error {
	if len(points) == 0 {
		return fmt.Errorf("no samples recorded for %s", signal)
	}
	data := make([]float64, len(points))
	for i, p := range points {
		data[i] = p.Value
	}
	opts := []asciigraph.Option{
		asciigraph.Height(height),
		asciigraph.Caption(fmt.Sprintf("%s, t=%.3f..%.3f", signal, points[0].Time, points[len(points)-1].Time)),
	}
	if width > 0 {
		opts = append(opts, asciigraph.Width(width))
	}
	_, err := fmt.Fprintln(out, asciigraph.Plot(data, opts...))
	return err
}

func dialControl(addr string) (*control.Client, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return control.NewClient(conn), func() { conn.Close() }, nil
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running co-simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := dialControl(addr)
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s, t=%.3f, step %d/%d\n", st.RunID, st.State, st.Time, st.Steps, st.TotalSteps)
			if st.Err != "" {
				fmt.Fprintf(out, "error: %s\n", st.Err)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tGROUP\tSTATE\tSTEPS")
			for _, u := range st.Units {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", u.Name, u.Group, u.State, u.Steps)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50061", "run-control gRPC address")
	return cmd
}

func newHaltCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "stop a running co-simulation after its current step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := dialControl(addr)
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Halt(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "halt requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50061", "run-control gRPC address")
	return cmd
}
