package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pepperpark/mailshift/internal/config"
	"github.com/pepperpark/mailshift/internal/connect"
	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/logging"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/server"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

const cleanupInterval = 24 * time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "mailshift",
		Short: "Mailshift - migrate mailboxes between IMAP servers and MBOX archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text or json)")
	flags.String("log-dir", "logs", "Directory for job event logs")
	mustBind(v, config.LogLevel, flags, "log-level")
	mustBind(v, config.LogFormat, flags, "log-format")
	mustBind(v, config.LogDir, flags, "log-dir")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("mailshift %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), cfgKey{}, cfg))
		return nil
	}

	rootCmd.AddCommand(
		newServeCmd(v),
		newCopyCmd(),
		newLogsCmd(),
		newStatusCmd(),
		newTestConnectionCmd(),
		newCleanupCmd(),
	)
	return rootCmd
}

type cfgKey struct{}

func configFrom(cmd *cobra.Command) config.Config {
	return cmd.Context().Value(cfgKey{}).(config.Config)
}

func mustBind(v *viper.Viper, key string, fs *pflag.FlagSet, name string) {
	if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
		panic(err)
	}
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job-control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			ctx := cmd.Context()
			a, err := newApp(context.Background(), cfg)
			if err != nil {
				return err
			}
			srv := server.New(a.manager, a.stats, a.dial, server.Options{
				ConnectTimeout: cfg.ConnectTimeout,
				RateLimit:      cfg.RateLimit,
				RateWindow:     cfg.RateWindow,
			})
			defer srv.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(gctx, cfg.ServerAddress) })
			g.Go(func() error { return a.runCleanupLoop(gctx, cleanupInterval) })
			err = g.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if serr := a.manager.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}
	cmd.Flags().String("address", ":3000", "Listen address")
	cmd.Flags().Int("rate-limit", 100, "Requests per client IP per rate window (0 disables)")
	mustBind(v, config.ServerAddress, cmd.Flags(), "address")
	mustBind(v, config.ServerRateLimit, cmd.Flags(), "rate-limit")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show how a job ended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			st, err := a.manager.Status(args[0])
			if errors.Is(err, jobs.ErrNotFound) {
				return fmt.Errorf("job %s not found in %s", args[0], a.cfg.LogDir)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], st.Status)
			if sum, ok := a.state.Get(args[0]); ok {
				fmt.Printf("  %s -> %s\n", sum.Source, sum.Dest)
				fmt.Printf("  synced %d, failed %d, %s\n", sum.Processed, sum.Failed, humanBytes(sum.Bytes))
				fmt.Printf("  started %s, took %s\n", sum.Started.Local().Format(time.DateTime), sum.Finished.Sub(sum.Started).Round(time.Second))
			}
			return nil
		},
	}
}

func newTestConnectionCmd() *cobra.Command {
	var ep mailstore.Endpoint
	var passPrompt bool
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Log into a mail store and list its folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if ep.Mbox == "" {
				if passPrompt && ep.Password == "" {
					p, err := promptPassword("Password: ")
					if err != nil {
						return err
					}
					ep.Password = p
				}
				if ep.Host == "" || ep.User == "" || ep.Password == "" {
					return fmt.Errorf("missing required flags: --host, --user, --pass")
				}
			}
			dial := connect.Dialer(connect.Options{SocketTimeout: cfg.SocketTimeout, InsecureSkipVerify: cfg.InsecureSkipVerify})
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout)
			defer cancel()
			folders, err := connect.Test(ctx, dial, ep)
			if err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			fmt.Printf("Connected to %s, %d folder(s):\n", ep, len(folders))
			for _, f := range folders {
				fmt.Println("  " + f)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&ep.Host, "host", "", "IMAP host")
	f.IntVar(&ep.Port, "port", 993, "IMAP port")
	f.StringVar(&ep.User, "user", "", "IMAP username")
	f.StringVar(&ep.Password, "pass", "", "IMAP password")
	f.BoolVar(&passPrompt, "pass-prompt", false, "Prompt for the password (no echo)")
	f.BoolVar(&ep.TLS, "tls", true, "Use implicit TLS")
	f.BoolVar(&ep.StartTLS, "starttls", false, "Use STARTTLS on a plain connection (implies --tls=false)")
	f.BoolVar(&ep.InsecureSkipVerify, "insecure", false, "Skip TLS verification")
	f.StringVar(&ep.Mbox, "mbox", "", "Check a local MBOX file or directory instead")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if ep.StartTLS {
			ep.TLS = false
		}
	}
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete job logs older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			a.cleanup()
			return nil
		},
	}
}
