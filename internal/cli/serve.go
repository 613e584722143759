package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/api"
	"github.com/kleis/kleis/internal/config"
	"github.com/kleis/kleis/internal/logging"
	"github.com/kleis/kleis/internal/oauthadapter"
	"github.com/kleis/kleis/internal/proxy"
	"github.com/kleis/kleis/internal/ratelimit"
	"github.com/kleis/kleis/internal/store"
	"github.com/kleis/kleis/internal/usagerecorder"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kleis proxy server",
	Long:  "Start the kleis HTTP server: proxy surface, admin API, model discovery, and health.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Configure(cfg.LogLevel)

	ctx := context.Background()
	repo, err := store.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	adapters := oauthadapter.NewRegistry(&http.Client{Timeout: 30 * time.Second}, oauthadapter.RegistryConfig{
		CodexClientID:         cfg.Codex.ClientID,
		CopilotClientID:       cfg.Copilot.ClientID,
		CopilotEnterpriseHost: cfg.Copilot.EnterpriseHost,
		ClaudeClientID:        cfg.Claude.ClientID,
		ClaudeDefaultMode:     cfg.Claude.DefaultMode,
	})
	accounts := accountsvc.NewService(repo, adapters)
	preparers := proxy.NewPreparerRegistry()
	limiter := ratelimit.New()
	recorder := usagerecorder.New(repo)

	server := api.NewServer(api.Config{
		ListenAddr:      cfg.ListenAddr,
		AdminToken:      cfg.AdminToken,
		PublicBaseURL:   cfg.PublicBaseURL,
		RequestTimeout:  cfg.RequestTimeout,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Repo:            repo,
		Accounts:        accounts,
		Preparers:       preparers,
		Limiter:         limiter,
		Recorder:        recorder,
	})

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("kleis: listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("kleis: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
