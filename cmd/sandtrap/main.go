package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sandtrap/config"
	"sandtrap/internal/controller"
	"sandtrap/internal/logger"
	"sandtrap/internal/metrics"
	"sandtrap/internal/output/reporthttp"
	"sandtrap/internal/output/reportjson"
	"sandtrap/internal/output/reportredis"
	"sandtrap/internal/output/timelineclickhouse"
)

var version = "dev"

// targetExit carries the supervised target's exit code out of runTarget so
// the deferred report sinks flush before the process exits.
var targetExit int

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sandtrap: %v\n", err)
		os.Exit(1)
	}
	os.Exit(targetExit)
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sandtrap",
		Short:         "Sandbox execution and behavior monitoring engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	run := &cobra.Command{
		Use:   "run <target command>",
		Short: "Execute a target under sandbox supervision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTarget(cmd.Context(), configPath, joinArgs(args))
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sandtrap %s\n", version)
		},
	}

	root.AddCommand(run, ver)
	return root
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, trying default locations\n", configArg)
	}

	if _, err := os.Stat("sandtrap.yml"); err == nil {
		return "sandtrap.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "sandtrap.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "sandtrap.yml"
}

func runTarget(ctx context.Context, configPath, target string) error {
	cfg := &config.Config{}
	path := findConfigFile(configPath)
	if loaded, err := config.LoadConfig(path); err == nil {
		cfg = loaded
	} else if configPath != "" {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	config.ApplyDefaults(cfg)
	st := &cfg.Sandtrap

	if err := logger.Init(st.Logging.Enabled, st.Logging.Level, st.Logging.File, st.Logging.Console); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger.Infof("sandtrap %s starting: target=%q profile=%s", version, target, st.Limits.Profile)

	deps := controller.Deps{}

	switch st.Report.Mode {
	case "", "file":
		writer, err := reportjson.NewWriter(st.Report.File.Path)
		if err != nil {
			return fmt.Errorf("report writer: %w", err)
		}
		defer writer.Close()
		deps.Reports = writer
	case "http":
		writer, err := reporthttp.NewWriter(reporthttp.Config{
			URL:     st.Report.HTTP.URL,
			Timeout: st.Report.HTTP.Timeout,
			Headers: st.Report.HTTP.Headers,
		})
		if err != nil {
			return fmt.Errorf("report writer: %w", err)
		}
		deps.Reports = writer
	case "redis":
		publisher, err := reportredis.NewPublisher(reportredis.Config{
			Addr:     st.Report.Redis.Addr,
			Password: st.Report.Redis.Password,
			DB:       st.Report.Redis.DB,
			Key:      st.Report.Redis.Key,
		})
		if err != nil {
			return fmt.Errorf("report publisher: %w", err)
		}
		defer publisher.Close()
		deps.Reports = publisher
	default:
		return fmt.Errorf("unknown report mode %q", st.Report.Mode)
	}

	if st.Report.ClickHouse.Enabled {
		writer, err := timelineclickhouse.NewWriter(timelineclickhouse.Config{
			URL:      st.Report.ClickHouse.URL,
			Database: st.Report.ClickHouse.Database,
			Table:    st.Report.ClickHouse.Table,
			Username: st.Report.ClickHouse.Username,
			Password: st.Report.ClickHouse.Password,
			Timeout:  st.Report.ClickHouse.Timeout,
			Headers:  st.Report.ClickHouse.Headers,
		})
		if err != nil {
			return fmt.Errorf("timeline writer: %w", err)
		}
		deps.Timeline = writer
	}

	ctrl, err := controller.New(st, deps)
	if err != nil {
		return err
	}

	if st.Metrics.Enabled {
		go metrics.Serve(st.Metrics.Listen)
		logger.Infof("metrics listening on %s", st.Metrics.Listen)
	}

	sess, err := ctrl.Start(ctx, target)
	if err != nil {
		return err
	}

	// Mirror the status feed onto Redis when configured. A slow or absent
	// consumer never blocks the session.
	if st.Status.Redis.Enabled {
		publisher, err := reportredis.NewPublisher(reportredis.Config{
			Addr:     st.Status.Redis.Addr,
			Password: st.Status.Redis.Password,
			DB:       st.Status.Redis.DB,
			Key:      st.Status.Redis.Key,
		})
		if err != nil {
			logger.Warnf("status publisher: %v", err)
		} else {
			defer publisher.Close()
			updates, cancel, err := ctrl.Subscribe(sess.ID, 64)
			if err == nil {
				defer cancel()
				go func() {
					for update := range updates {
						if err := publisher.PublishStatus(update); err != nil {
							logger.Debugf("publish status: %v", err)
						}
					}
				}()
			}
		}
	}

	ctrl.Wait(sess.ID)

	report, err := ctrl.FinalReport(sess.ID)
	if err != nil {
		return err
	}
	logger.Infof("session %s finished: final_action=%s events=%d verdicts=%d degraded=%v",
		report.SessionID, report.FinalAction, len(report.Events), len(report.Verdicts), report.Degraded)
	if report.ExitCode != nil {
		targetExit = *report.ExitCode
	}
	return nil
}
