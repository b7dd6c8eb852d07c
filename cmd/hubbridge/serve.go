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

	"github.com/spf13/cobra"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/bridge"
	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/hub"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/store"
	"github.com/hubmcp/hubbridge/internal/tools"
)

const (
	recorderBuffer = 256
	sweepInterval  = 12 * time.Hour
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.For(logging.CategoryBridge)

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	rec := store.NewRecorder(st, recorderBuffer)
	defer rec.Close()

	var fw *logging.FileWriter
	if cfg.LogsDir != "" {
		fw, err = logging.NewFileWriter(cfg.LogsDir, cfg.LogRetain)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer fw.Close()
		logging.AddSinks(fw, logging.NewStoreSink(rec))
	} else {
		logging.AddSinks(logging.NewStoreSink(rec))
	}

	cipher, issuer, err := loadKeys(ctx, st, cfg)
	if err != nil {
		return err
	}

	registry := tools.Default()
	authSvc := auth.NewService(st, rec, issuer, cfg.Auth, cfg.JWT)
	hubs := hub.NewManager(st, cipher, cfg.Upstream)

	if err := bootstrap(ctx, cfg, st, registry); err != nil {
		return err
	}

	srv, err := bridge.New(bridge.Deps{
		Config:   *cfg,
		Store:    st,
		Recorder: rec,
		Auth:     authSvc,
		Hubs:     hubs,
		Registry: registry,
		Files:    fw,
		Version:  version,
	})
	if err != nil {
		return err
	}
	// Workers outlive the signal context on purpose: in-flight calls drain
	// through Close, not through context cancellation.
	srv.Start(context.Background())

	go sweepLoop(ctx, cfg, st)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Request.DrainTimeout.Std())
	defer cancel()

	if err := httpServer.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("http server did not drain cleanly")
	}
	if err := srv.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("bridge did not drain cleanly")
	}
	log.Info().Msg("server stopped")
	return nil
}

// loadKeys establishes the per-install salt and the two system keys,
// generating them on first boot, and builds the cipher and JWT issuer.
func loadKeys(ctx context.Context, st *store.Store, cfg *config.Config) (*crypto.Cipher, *crypto.TokenIssuer, error) {
	saltStr, err := st.EnsureMeta(ctx, store.MetaInstallSalt, crypto.GenerateSalt)
	if err != nil {
		return nil, nil, fmt.Errorf("ensuring install salt: %w", err)
	}
	salt, err := crypto.DecodeKey(saltStr)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding install salt: %w", err)
	}

	hubKey, created, err := st.EnsureSystemKey(ctx, store.KeyPurposeHubToken, crypto.GenerateKeyMaterial)
	if err != nil {
		return nil, nil, fmt.Errorf("ensuring hub token key: %w", err)
	}
	if created {
		logger := logging.For(logging.CategoryStore)
		logger.Info().
			Str("purpose", store.KeyPurposeHubToken).
			Msg("generated system key")
	}
	material, err := crypto.DecodeKey(hubKey.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding hub token key: %w", err)
	}
	cipher, err := crypto.NewCipher(material, salt)
	crypto.Zero(material)
	if err != nil {
		return nil, nil, fmt.Errorf("building cipher: %w", err)
	}

	jwtKey, created, err := st.EnsureSystemKey(ctx, store.KeyPurposeJWT, crypto.GenerateKeyMaterial)
	if err != nil {
		return nil, nil, fmt.Errorf("ensuring jwt key: %w", err)
	}
	if created {
		logger := logging.For(logging.CategoryStore)
		logger.Info().
			Str("purpose", store.KeyPurposeJWT).
			Msg("generated system key")
	}
	secret, err := crypto.DecodeKey(jwtKey.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding jwt key: %w", err)
	}
	issuer, err := crypto.NewTokenIssuer(secret, cfg.JWT.Issuer, cfg.JWT.AccessTTL.Std())
	if err != nil {
		return nil, nil, fmt.Errorf("building token issuer: %w", err)
	}
	return cipher, issuer, nil
}

// bootstrap seeds the default permission rows and, on a fresh install, the
// admin account.
func bootstrap(ctx context.Context, cfg *config.Config, st *store.Store, registry *tools.Registry) error {
	if err := st.EnsureDefaultToolPermissions(ctx, defaultPermissions(registry)); err != nil {
		return fmt.Errorf("seeding default permissions: %w", err)
	}
	if !cfg.Seed.AdminEnabled {
		return nil
	}
	n, err := st.AdminCount(ctx)
	if err != nil {
		return fmt.Errorf("counting admins: %w", err)
	}
	if n > 0 {
		return nil
	}

	hash, err := crypto.HashPassword(cfg.Seed.AdminPassword)
	if err != nil {
		return fmt.Errorf("hashing seed password: %w", err)
	}
	admin := &store.User{
		Username:           cfg.Seed.AdminUsername,
		Email:              cfg.Seed.AdminEmail,
		PasswordHash:       hash,
		IsAdmin:            true,
		MustChangePassword: true,
	}
	if err := st.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("creating seed admin: %w", err)
	}
	// Meta tools default to locked; the bootstrap admin gets explicit
	// grants so hub maintenance works out of the box.
	full := store.Permission{CanRead: true, CanWrite: true, CanExecute: true, Enabled: true}
	for _, def := range registry.Definitions() {
		if def.Kind != tools.KindMeta {
			continue
		}
		if err := st.SetToolPermission(ctx, admin.ID, def.Name, full); err != nil {
			return fmt.Errorf("granting %s to seed admin: %w", def.Name, err)
		}
	}
	logger := logging.For(logging.CategoryAuth)
	logger.Warn().
		Str("username", admin.Username).
		Msg("seeded default admin account; the password must be changed on first login")
	return nil
}

// defaultPermissions derives the fallback permission row per tool: reads
// and writes are open to authenticated users, meta tools require an
// explicit per-user grant.
func defaultPermissions(registry *tools.Registry) map[string]store.Permission {
	defaults := make(map[string]store.Permission)
	for _, def := range registry.Definitions() {
		switch def.Kind {
		case tools.KindRead:
			defaults[def.Name] = store.Permission{CanRead: true, Enabled: true}
		case tools.KindWrite:
			defaults[def.Name] = store.Permission{CanWrite: true, Enabled: true}
		case tools.KindMeta:
			defaults[def.Name] = store.Permission{Enabled: true}
		}
	}
	return defaults
}

// sweepLoop prunes expired sessions and stale records on a fixed cadence.
func sweepLoop(ctx context.Context, cfg *config.Config, st *store.Store) {
	log := logging.For(logging.CategoryStore)
	sweep := func() {
		now := time.Now().UTC()
		horizon := now.AddDate(0, 0, -cfg.RetentionDays)
		counts, err := st.SweepExpired(ctx, now, horizon)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
			return
		}
		log.Info().
			Int64("sessions", counts.Sessions).
			Int64("requests", counts.Requests).
			Int64("errors", counts.Errors).
			Int64("logs", counts.Logs).
			Msg("retention sweep completed")
	}

	sweep()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
