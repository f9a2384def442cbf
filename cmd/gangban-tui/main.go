package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gangban/internal/api"
	"gangban/internal/chat"
	"gangban/internal/config"
	"gangban/internal/events"
	"gangban/internal/geo"
	"gangban/internal/logging"
	"gangban/internal/session"
)

var settings config.Settings

var rootCmd = &cobra.Command{
	Use:           "gangban-tui",
	Short:         "Talk to the companion, local guide and study guide from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		if err := config.Init(viper.GetViper(), cmd.Flags(), configFile); err != nil {
			return err
		}
		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		settings = loaded
		// the TUI owns the terminal, so it only logs to --log-file
		quiet := cmd == cmd.Root()
		if err := logging.Init(logging.Config{
			Level:      settings.LogLevel,
			Format:     settings.LogFormat,
			File:       settings.LogFile,
			WithCaller: settings.WithCaller,
			Quiet:      quiet,
		}); err != nil {
			return err
		}
		log.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded configuration")
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd.Context(), settings)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attachPath, _ := cmd.Flags().GetString("attach")
		var attachment *chat.Attachment
		if attachPath != "" {
			var err error
			attachment, err = loadAttachment(attachPath)
			if err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		manager, err := newManager(settings, settings.InitialRole(), nil)
		if err != nil {
			return err
		}
		defer manager.Close()
		if err := manager.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("history unavailable, sending anyway")
		}
		if err := manager.Send(ctx, strings.Join(args, " "), attachment); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		snap := manager.Snapshot()
		if n := len(snap.Messages); n > 0 {
			answer, _ := chat.SplitReasoning(snap.Messages[n-1].Text)
			fmt.Fprintln(out, answer)
		}
		if snap.Banner {
			fmt.Fprintln(out, "\n"+crisisBannerText)
		}
		if snap.Selected != nil {
			fmt.Fprintln(out)
			fmt.Fprintln(out, plainRecommendations(snap.Selected.Entry))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored conversation for a role",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := settings.InitialRole()
		manager, err := newManager(settings, role, nil)
		if err != nil {
			return err
		}
		defer manager.Close()
		if err := manager.Hydrate(cmd.Context(), role); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		snap := manager.Snapshot()
		fmt.Fprintf(out, "thread %s (%d messages)\n\n", snap.ThreadID, len(snap.Messages))
		for _, msg := range snap.Messages {
			text := msg.Text
			if msg.Author == chat.AuthorAssistant {
				text, _ = chat.SplitReasoning(text)
			}
			fmt.Fprintf(out, "%s %s: %s\n", msg.CreatedAt.Local().Format("2006-01-02 15:04"), msg.Author, text)
		}
		if snap.Err != "" {
			fmt.Fprintln(out, "\nwarning: "+snap.Err)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective settings as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := settings.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())
	sendCmd.Flags().String("attach", "", "Attach a JPEG, PNG or WebP image (max 5 MB)")
	rootCmd.AddCommand(sendCmd, historyCmd, configCmd)
}

func newManager(s config.Settings, role chat.Role, notifier session.Notifier) (*session.Manager, error) {
	if !role.Valid() {
		return nil, errors.Errorf("invalid role %d", int(role))
	}
	client := api.NewClient(s.APIBaseURL,
		api.WithTimeout(s.RequestTimeout),
		api.WithRateLimit(s.RateLimit, s.RateBurst),
		api.WithLogger(log.Logger.With().Str("component", "api").Logger()),
	)
	var probe geo.Probe
	if s.GeoURL != "" {
		probe = geo.HTTPProbe{URL: s.GeoURL}
	}
	resolver := geo.NewResolver(probe,
		geo.WithFallback(s.Fallback()),
		geo.WithLogger(log.Logger.With().Str("component", "geo").Logger()),
	)
	cfg := s.SessionConfig()
	cfg.InitialRole = role
	options := []session.Option{
		session.WithResolver(resolver),
		session.WithLogger(log.Logger.With().Str("component", "session").Logger()),
	}
	if notifier != nil {
		options = append(options, session.WithNotifier(notifier))
	}
	return session.NewManager(cfg, client, options...), nil
}

func runTUI(ctx context.Context, s config.Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus(log.Logger.With().Str("component", "events").Logger())
	defer func() { _ = bus.Close() }()
	manager, err := newManager(s, s.InitialRole(), bus)
	if err != nil {
		return err
	}
	defer manager.Close()
	updates, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	options := []tea.ProgramOption{tea.WithMouseCellMotion(), tea.WithContext(ctx)}
	if s.AltScreen {
		options = append(options, tea.WithAltScreen())
	}
	p := tea.NewProgram(newModel(ctx, manager, updates), options...)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "gangban-tui")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gangban-tui: %v\n", err)
		os.Exit(1)
	}
}
