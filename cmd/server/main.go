package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"secret.vault/config"
	"secret.vault/internal/api"
	"secret.vault/internal/crypto"
	"secret.vault/internal/logging"
	"secret.vault/internal/notify"
	"secret.vault/internal/stats"
	"secret.vault/internal/store"
	"secret.vault/internal/vault"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "secret-vault",
	Short: "One-time secret sharing server",
	Long: `Stores encrypted secrets that can be revealed a limited number of
times before they are destroyed. Secrets also expire on their own.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new random encryption key",
	Long:  `Prints 64 hex characters suitable for ENCRYPTION_KEY.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), crypto.GenerateKey())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		memguard.SafeExit(1)
	}
	memguard.Purge()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	cipher, err := crypto.NewCipher(cfg.Crypto.EncryptionKey)
	if err != nil {
		return err
	}
	defer cipher.Destroy()

	verifier, err := crypto.NewVerifier(cfg.Crypto.BcryptCost)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(cfg.Notify.Workers, cfg.Notify.QueueSize, log.With().Str("component", "dispatcher").Logger())

	st, rec, err := initStore(cfg, dispatcher, log)
	if err != nil {
		dispatcher.Close()
		return err
	}
	defer st.Close()
	// Drain side effects before the store (and a shared redis client) goes away.
	defer dispatcher.Close()

	engine, err := vault.New(policyFrom(cfg), cfg.LinkBase(), vault.Deps{
		Store:    st,
		Cipher:   cipher,
		Verifier: verifier,
		Stats:    rec,
		Notifier: initNotifier(cfg, log),
		Tasks:    dispatcher,
		Log:      log.With().Str("component", "vault").Logger(),
	})
	if err != nil {
		return err
	}

	router := api.SetupRouter(engine, rec, cfg, log)

	log.Info().
		Str("addr", cfg.Addr()).
		Str("base_url", cfg.Server.BaseURL).
		Str("store", cfg.Store.Type).
		Str("notify", cfg.Notify.Type).
		Msg("server starting")

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}

	return nil
}

func initStore(cfg *config.Config, tasks vault.TaskRunner, log zerolog.Logger) (store.Store, stats.Recorder, error) {
	storeLog := log.With().Str("component", "store").Logger()

	switch cfg.Store.Type {
	case "redis":
		redisOpts := &redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}
		// The recorder shares the store's connection, so it is built in two steps.
		var rec stats.Recorder
		hook := func(ctx context.Context, id string) {
			vault.ExpiryRecorder(rec, tasks, storeLog)(ctx, id)
		}
		st, err := store.NewRedisStore(redisOpts, store.WithExpiryHook(hook), store.WithLogger(storeLog))
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rec = stats.NewRedisRecorder(st.Client(), nil)

		if cfg.Store.Redis.ExpiryEvents {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.WatchExpirations(ctx); err != nil {
				storeLog.Warn().Err(err).Msg("expiry events unavailable, expired secrets will not be counted")
			}
		}
		return st, rec, nil
	default:
		rec := stats.NewMemoryRecorder(nil)
		st := store.NewMemoryStore(cfg.Store.SweepInterval,
			store.WithExpiryHook(vault.ExpiryRecorder(rec, tasks, storeLog)),
			store.WithLogger(storeLog),
		)
		return st, rec, nil
	}
}

func initNotifier(cfg *config.Config, log zerolog.Logger) notify.Notifier {
	notifyLog := log.With().Str("component", "notify").Logger()

	switch cfg.Notify.Type {
	case "smtp":
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		}, notifyLog)
	case "log":
		return notify.NewLogNotifier(notifyLog)
	default:
		return notify.Nop{}
	}
}

func policyFrom(cfg *config.Config) vault.Policy {
	return vault.Policy{
		AllowedExpirationHours: cfg.Secrets.AllowedExpirationHours,
		AllowedViewLimits:      cfg.Secrets.AllowedViewLimits,
		DefaultExpirationHours: cfg.Secrets.DefaultExpirationHours,
		DefaultViewLimit:       cfg.Secrets.DefaultViewLimit,
		MaxContentLength:       cfg.Secrets.MaxContentLength,
		MinPasswordLength:      cfg.Secrets.MinPasswordLength,
		MaxPasswordLength:      cfg.Secrets.MaxPasswordLength,
	}
}
