package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/bot"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/config"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

var rootCmd = &cobra.Command{
	Use:   "lemmybot",
	Short: "Long-running Lemmy bot runtime",
	Long: `lemmybot keeps a persistent websocket connection to a Lemmy instance,
polls the configured resource categories, deduplicates already-handled
items through an embedded store, and dispatches new items to handlers.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := viper.GetString("config")
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		if len(cfg.PolledCategories()) == 0 {
			return fmt.Errorf("no categories configured under schedule.categories")
		}
		logger := log.New(os.Stderr, "lemmybot ", log.LstdFlags)

		handlers := map[lemmy.Category]bot.Handler{}
		for _, category := range cfg.PolledCategories() {
			handlers[category] = logEntryHandler(logger, category)
		}
		runtime, err := bot.New(bot.Options{
			Config:   cfg,
			Handlers: handlers,
			Logger:   logger,
			OnConnectFailure: func(err error) {
				logger.Printf("connect cycle failed: %v", err)
			},
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runtime.Start(ctx); err != nil {
			return err
		}
		go func() {
			err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				if err := runtime.UpdateFederation(next.Federation); err != nil {
					logger.Printf("federation reload rejected: %v", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Printf("config watcher stopped: %v", err)
			}
		}()

		select {
		case <-ctx.Done():
			logger.Printf("shutting down")
			runtime.Stop()
			<-runtime.Done()
		case <-runtime.Done():
		}
		return runtime.Err()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and show the polling plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		writer := table.NewWriter()
		writer.SetOutputMirror(cmd.OutOrStdout())
		writer.AppendHeader(table.Row{"Category", "Interval", "Auth", "Store Table"})
		for _, category := range cfg.PolledCategories() {
			writer.AppendRow(table.Row{
				string(category),
				(time.Duration(cfg.Interval(category)) * time.Second).String(),
				category.RequiresAuth(),
				category.TableName(),
			})
		}
		writer.Render()
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: instance=%s storage=%s\n", cfg.Instance, cfg.Storage.DSN)
		return nil
	},
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// Env overrides keep secrets and deployment detail out of the file.
	if dsn := viper.GetString("storage-dsn"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if username := viper.GetString("username"); username != "" {
		cfg.Credentials.Username = username
	}
	if password := viper.GetString("password"); password != "" {
		cfg.Credentials.Password = password
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logEntryHandler(logger *log.Logger, category lemmy.Category) bot.Handler {
	return func(ctx context.Context, entry lemmy.Entry, reprocess *bot.ReprocessControl) error {
		logger.Printf("%s %d from %s", category, entry.ID, entry.ActorURI)
		return nil
	}
}

func initViper() {
	viper.SetEnvPrefix("LEMMYBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	cobra.OnInitialize(initViper)
	rootCmd.PersistentFlags().StringP("config", "c", "bot.yml", "path to the bot config file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	rootCmd.AddCommand(runCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
