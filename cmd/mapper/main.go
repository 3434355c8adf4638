// Command mapper runs incremental mapping instances described by a JSON
// configuration and drives their control API.
package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/mapping/internal/config"
	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/httputil"
	"github.com/banshee-data/mapping/internal/mapping/mapper"
	"github.com/banshee-data/mapping/internal/mapping/monitor"
	"github.com/banshee-data/mapping/internal/monitoring"
	"github.com/banshee-data/mapping/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var quiet bool
	root := &cobra.Command{
		Use:   "mapper",
		Short: "Build occupancy and NDT maps from streamed sensor observations",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if quiet {
				monitoring.SetLogger(nil)
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress diagnostic logging")

	root.AddCommand(newRunCmd(), newValidateCmd(), newSaveCmd(), newListCmd(), newInspectCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		saveOnExit string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mappers described by a configuration file until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMapping(cmd.Context(), configPath, saveOnExit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Mapping configuration file (.json)")
	cmd.Flags().StringVar(&saveOnExit, "save-on-exit", "", "Save every map under this directory on shutdown")
	return cmd
}

func runMapping(ctx context.Context, configPath, saveOnExit string, out io.Writer) error {
	cfg, err := config.LoadMappingConfig(configPath)
	if err != nil {
		return err
	}
	rt, err := config.Build(cfg, config.BuildOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			monitoring.Logf("close: %v", err)
		}
	}()

	fmt.Fprintf(out, "%s: running %d mapper(s)\n", version.Get(), len(cfg.Mappers))
	runErr := rt.Run(ctx)
	if saveOnExit != "" {
		if err := rt.Manager.SaveAll(saveOnExit); err != nil {
			monitoring.Logf("save on exit: %v", err)
			if runErr == nil {
				runErr = err
			}
		} else {
			fmt.Fprintf(out, "saved maps to %s\n", saveOnExit)
		}
	}
	return runErr
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print the mappers it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadMappingConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MAPPER\tTYPE\tFRAME\tRATE\tPROVIDERS\tPUBLISHERS")
			for i := range cfg.Mappers {
				m := &cfg.Mappers[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%gHz\t%v\t%v\n",
					m.Name, m.Type, m.GetMapFrame(), m.GetPublishRate(), m.DataProviders, m.MapPublishers)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Mapping configuration file (.json)")
	return cmd
}

type serverFlags struct {
	server  string
	timeout time.Duration
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "http://localhost:8080", "Base URL of the mapper's HTTP publisher")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
}

func (f *serverFlags) client() *httputil.Client {
	return httputil.NewClient(f.server, nil)
}

func newSaveCmd() *cobra.Command {
	var (
		flags serverFlags
		path  string
	)
	cmd := &cobra.Command{
		Use:   "save <mapper>",
		Short: "Ask a running mapper to save its map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var resp monitor.SaveResponse
			target := "/api/maps/" + url.PathEscape(args[0]) + "/save"
			if err := flags.client().PostJSON(ctx, target, monitor.SaveRequest{Path: path}, &resp); err != nil {
				return fmt.Errorf("save %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s version %d to %s\n", resp.Name, resp.Version, resp.Dir)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&path, "path", "p", "", "Directory to save into (defaults to the server's save root)")
	return cmd
}

func newListCmd() *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the maps served by a running mapper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			var summaries []monitor.MapSummary
			if err := flags.client().GetJSON(ctx, "/api/maps", &summaries); err != nil {
				return fmt.Errorf("list maps: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MAPPER\tTYPE\tSTATE\tVERSION\tCELLS")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.Name, s.Variant, s.State, s.Version, s.CellCount)
			}
			return w.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Print the metadata of a map saved by SaveMap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, md, err := mapper.LoadMap(fsutil.OSFileSystem{}, args[0])
			if err != nil {
				return fmt.Errorf("inspect %s: %w", args[0], err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "name:\t%s\n", md.Name)
			fmt.Fprintf(w, "variant:\t%s\n", snap.Variant())
			fmt.Fprintf(w, "frame:\t%s\n", snap.Frame())
			fmt.Fprintf(w, "version:\t%d\n", snap.Version())
			fmt.Fprintf(w, "cells:\t%d\n", snap.CellCount())
			fmt.Fprintf(w, "resolution:\t%g\n", snap.Resolution())
			fmt.Fprintf(w, "file:\t%s (%s)\n", md.File, md.Encoding)
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
