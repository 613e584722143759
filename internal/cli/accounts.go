package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/config"
	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/oauthadapter"
	"github.com/kleis/kleis/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage upstream provider accounts",
}

var accountsNoBrowser bool

func init() {
	oauthStartCmd.Flags().BoolVar(&accountsNoBrowser, "no-browser", false, "print the authorization URL instead of opening it")

	accountsCmd.AddCommand(oauthStartCmd)
	accountsCmd.AddCommand(oauthCompleteCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsPrimaryCmd)
	accountsCmd.AddCommand(accountsDeleteCmd)
}

func newAccountService(ctx context.Context, cfg *config.Config) (*accountsvc.Service, store.Repository, error) {
	repo, err := store.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	adapters := oauthadapter.NewRegistry(&http.Client{Timeout: 30 * time.Second}, oauthadapter.RegistryConfig{
		CodexClientID:         cfg.Codex.ClientID,
		CopilotClientID:       cfg.Copilot.ClientID,
		CopilotEnterpriseHost: cfg.Copilot.EnterpriseHost,
		ClaudeClientID:        cfg.Claude.ClientID,
		ClaudeDefaultMode:     cfg.Claude.DefaultMode,
	})
	return accountsvc.NewService(repo, adapters), repo, nil
}

var oauthStartCmd = &cobra.Command{
	Use:   "oauth start <codex|claude|copilot>",
	Short: "Begin an OAuth flow for a provider and open the authorization URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := domain.Provider(args[0])
		if !provider.Valid() {
			return fmt.Errorf("unknown provider %q", args[0])
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		svc, repo, err := newAccountService(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		result, err := svc.StartProviderOAuth(ctx, provider)
		if err != nil {
			return err
		}

		fmt.Printf("state: %s\n", result.State)
		if accountsNoBrowser {
			fmt.Printf("Visit the following URL to authorize %s:\n%s\n", provider, result.AuthorizationURL)
			return nil
		}
		fmt.Printf("Opening browser for %s authorization...\n", provider)
		if err := browser.OpenURL(result.AuthorizationURL); err != nil {
			fmt.Printf("Could not open a browser automatically (%v).\nVisit the following URL to authorize %s:\n%s\n", err, provider, result.AuthorizationURL)
		}
		return nil
	},
}

var oauthCompleteCmd = &cobra.Command{
	Use:   "oauth complete <codex|claude|copilot> <state> <code>",
	Short: "Complete a pending OAuth flow with the callback state and code",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := domain.Provider(args[0])
		if !provider.Valid() {
			return fmt.Errorf("unknown provider %q", args[0])
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		svc, repo, err := newAccountService(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		account, err := svc.CompleteProviderOAuth(ctx, provider, args[1], args[2], time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("linked account %s (%s), primary=%v\n", account.ID, provider, account.IsPrimary)
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list [provider]",
	Short: "List linked provider accounts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		svc, repo, err := newAccountService(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		var filter *domain.Provider
		if len(args) == 1 {
			p := domain.Provider(args[0])
			if !p.Valid() {
				return fmt.Errorf("unknown provider %q", args[0])
			}
			filter = &p
		}

		accounts, err := svc.ListProviderAccounts(ctx, filter)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("no accounts")
			return nil
		}
		for _, a := range accounts {
			fmt.Printf("%s\t%s\tprimary=%v\texpires=%s\n", a.ID, a.Provider, a.IsPrimary, a.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var accountsPrimaryCmd = &cobra.Command{
	Use:   "primary <account-id>",
	Short: "Promote an account to primary for its provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		svc, repo, err := newAccountService(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		account, err := svc.SetPrimaryProviderAccount(ctx, args[0], time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("%s is now primary for %s\n", account.ID, account.Provider)
		return nil
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <account-id>",
	Short: "Remove a linked account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		svc, repo, err := newAccountService(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := svc.DeleteProviderAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}
