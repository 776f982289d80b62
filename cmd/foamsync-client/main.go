package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/foamsync/internal/clientcache"
	"github.com/MarcoPoloResearchLab/foamsync/internal/config"
	"github.com/MarcoPoloResearchLab/foamsync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	clientViper = config.NewClientViper()
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "foamsync-client",
		Short:         "Offline client for the estimate sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newLoginCommand(),
		newSignupCommand(),
		newPullCommand(),
		newPushCommand(),
		newMutateCommand(),
		newFlushCommand(),
		newStatusCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(exitCode(err))
	}
}

func setupFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", clientViper.GetString("server.url"), "Sync service base URL")
	cmd.PersistentFlags().String("cache-path", clientViper.GetString("cache.path"), "Local cache database path")
	cmd.PersistentFlags().String("log-level", clientViper.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := clientViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		clientViper.SetConfigFile(cfgFile)
	}
	if err := clientViper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// withCache opens the local cache for one command and closes it afterwards.
func withCache(ctx context.Context, run func(ctx context.Context, cache *clientcache.Cache) error) error {
	clientConfig, err := config.LoadClient(clientViper)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(clientConfig.Log.Level, logging.FileSink{
		Path:       clientConfig.Log.File,
		MaxSizeMB:  clientConfig.Log.MaxSizeMB,
		MaxBackups: clientConfig.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := clientcache.Open(clientConfig.CachePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cache, err := clientcache.New(clientcache.Config{
		Database:   db,
		Transport:  clientcache.NewHTTPTransport(clientConfig.ServerURL, nil),
		Logger:     logger.With(zap.String("server", clientConfig.ServerURL)),
		MaxRetries: clientConfig.MaxRetries,
		RetryDelay: clientConfig.RetryDelay,
	})
	if err != nil {
		return err
	}
	return run(ctx, cache)
}

func newLoginCommand() *cobra.Command {
	var username, password, pin string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as the owner, or as crew with --pin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				var (
					session clientcache.Session
					err     error
				)
				if pin != "" {
					session, err = cache.CrewLogin(ctx, username, pin)
				} else {
					session, err = cache.Login(ctx, username, password)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s) for tenant %s\n", session.Username, session.Role, session.TenantID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&password, "password", "", "Owner password")
	cmd.Flags().StringVar(&pin, "pin", "", "Crew access PIN")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newSignupCommand() *cobra.Command {
	var request clientcache.SignupRequest
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and its tenant dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				session, err := cache.Signup(ctx, request)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created tenant %s; crew PIN %s\n", session.TenantID, session.CrewPin)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&request.Username, "username", "", "Account username")
	cmd.Flags().StringVar(&request.Password, "password", "", "Owner password")
	cmd.Flags().StringVar(&request.CompanyName, "company", "", "Company name")
	cmd.Flags().StringVar(&request.Email, "email", "", "Contact email")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Flush queued mutations and fetch changes since the last pull",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				result, err := cache.Pull(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d, rejected %d; applied %d records, %d deletions and %d settings; watermark %d\n",
					result.Flush.Sent, result.Flush.Rejected, result.Records, result.Deleted, result.Settings, result.ServerTimestamp)
				return nil
			})
		},
	}
}

func newPushCommand() *cobra.Command {
	var statePath string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Queue a full state push from a JSON file (- for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := readInput(cmd.InOrStdin(), statePath)
			if err != nil {
				return err
			}
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				entry, err := cache.SyncUp(ctx, state)
				return reportEntry(cmd.OutOrStdout(), entry, err)
			})
		},
	}
	cmd.Flags().StringVar(&statePath, "file", "-", "State document path")
	return cmd
}

func newMutateCommand() *cobra.Command {
	var payloadPath string
	cmd := &cobra.Command{
		Use:   "mutate ACTION",
		Short: "Queue one mutating action (START_JOB, COMPLETE_JOB, MARK_JOB_PAID, ...) with a JSON payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				entry, err := cache.Mutate(ctx, args[0], payload)
				return reportEntry(cmd.OutOrStdout(), entry, err)
			})
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "Payload document path")
	return cmd
}

func newFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send queued mutations in submission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				report, err := cache.Flush(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d, rejected %d, pending %d\n", report.Sent, report.Rejected, report.Pending)
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session, watermark and outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, cache *clientcache.Cache) error {
				status, err := cache.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if status.LoggedIn {
					fmt.Fprintf(out, "session: %s (%s) tenant %s, expires %s\n",
						status.Session.Username, status.Session.Role, status.Session.TenantID, status.Session.ExpiresAt.Format("2006-01-02 15:04"))
				} else {
					fmt.Fprintln(out, "session: none")
				}
				fmt.Fprintf(out, "last sync: %d\n", status.LastSyncTimestamp)
				for _, collection := range []string{clientcache.CollectionEstimates, clientcache.CollectionCustomers, clientcache.CollectionInventory, clientcache.CollectionEquipment} {
					fmt.Fprintf(out, "%s: %d\n", collection, status.Records[collection])
				}
				fmt.Fprintf(out, "outbox: %d pending, %d rejected, %d sent\n", status.Pending, status.Rejected, status.Sent)
				if status.Held > 0 {
					fmt.Fprintf(out, "  %d more pending for another tenant; log in there to send them\n", status.Held)
				}
				rejected, err := cache.Outbox(ctx, clientcache.OutboxRejected)
				if err != nil {
					return err
				}
				for _, entry := range rejected {
					fmt.Fprintf(out, "  #%d %s: %s\n", entry.Seq, entry.Action, entry.LastError)
				}
				return nil
			})
		},
	}
}

func readInput(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: input is not valid json", apperr.ErrValidation)
	}
	return json.RawMessage(raw), nil
}

func reportEntry(out io.Writer, entry clientcache.OutboxEntry, err error) error {
	if entry.Seq != 0 {
		fmt.Fprintf(out, "#%d %s: %s\n", entry.Seq, entry.Action, entry.State)
	}
	if err != nil && entry.State == clientcache.OutboxPending && errors.Is(err, apperr.ErrTransport) {
		fmt.Fprintln(out, "server unreachable; the mutation stays queued")
		return nil
	}
	return err
}

// describeError keeps busy distinct from hard failures.
func describeError(err error) string {
	switch {
	case errors.Is(err, apperr.ErrBusy):
		return "server is busy, retry shortly: " + err.Error()
	case errors.Is(err, apperr.ErrUnauthorized):
		return "not authorized, log in again: " + err.Error()
	default:
		return strings.TrimSpace("error: " + err.Error())
	}
}

// Exit codes: 1 generic, 2 unauthorized, 3 busy, 4 validation or not found, 5 unreachable.
func exitCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return 2
	case errors.Is(err, apperr.ErrBusy):
		return 3
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound):
		return 4
	case errors.Is(err, apperr.ErrTransport), errors.Is(err, apperr.ErrStoreUnavailable):
		return 5
	default:
		return 1
	}
}
