package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"slotcal/internal/calendar"
	"slotcal/internal/config"
	appLog "slotcal/internal/log"
	"slotcal/internal/metrics"
	"slotcal/internal/origami"
	"slotcal/internal/schedule"
)

// rootOptions holds persistent CLI flag values.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "slotcal",
		Short:         "Scheduling calendar backed by Origami slot templates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/slotcal/config.yaml", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(newServeCmd(opts), newTemplatesCmd(opts), newSlotsCmd(opts))
	return cmd
}

// app bundles the wired components shared by every command.
type app struct {
	cfg     *config.Config
	metrics *metrics.Manager
	client  *origami.Client
	svc     *schedule.Service
}

// loadApp reads config, sets the log level and wires the schedule service.
func loadApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if cfg == nil {
			return nil, fmt.Errorf("load config %s: %w", opts.configPath, err)
		}
		appLog.Error("config file could not be written; continuing with defaults", err, "config_path", opts.configPath)
	}

	levelName := cfg.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, ok := appLog.ParseLevel(levelName)
	if !ok {
		appLog.Warn("unknown log level; using info", "log_level", levelName)
	}
	appLog.SetLevel(level)

	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", cfg.Timezone)
	}

	m := metrics.New()
	client := origami.NewClient(origami.ClientConfig{
		URL:      cfg.Upstream.URL,
		DataName: cfg.Upstream.DataName,
		Credentials: origami.Credentials{
			Username: cfg.Upstream.Username,
			Token:    cfg.Upstream.Token,
		},
		Timeout: cfg.Upstream.Timeout(),
	})
	parser := origami.NewParser(origami.Options{
		Fields: origami.Fields{
			Start:        cfg.Fields.Start,
			End:          cfg.Fields.End,
			Group:        cfg.Fields.Group,
			GroupPrefix:  cfg.Fields.GroupPrefix,
			ID:           cfg.Fields.ID,
			Title:        cfg.Fields.Title,
			DefaultTitle: cfg.Fields.DefaultTitle,
		},
		EnvelopeKeys: cfg.Parser.EnvelopeKeys,
		Strategies:   cfg.Parser.Strategies,
		Dedupe:       cfg.Parser.Dedupe,
		Location:     loc,
	})
	svc := schedule.NewService(client, parser, schedule.Options{
		Location:       loc,
		WeekStart:      calendar.ParseWeekStart(cfg.WeekStart),
		Metrics:        m,
		RefreshTimeout: cfg.Upstream.Timeout(),
	})

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", loc.String(),
		"week_start", cfg.WeekStart,
		"refresh", cfg.Refresh,
		"upstream", origami.RedactURL(cfg.Upstream.URL),
		"data_name", cfg.Upstream.DataName,
		"credentials_set", cfg.Upstream.Token != "",
		"start_field", cfg.Fields.Start,
		"end_field", cfg.Fields.End,
		"group_field", cfg.Fields.Group,
		"strategies", cfg.Parser.Strategies,
		"dedupe", cfg.Parser.Dedupe,
	)

	return &app{cfg: cfg, metrics: m, client: client, svc: svc}, nil
}
