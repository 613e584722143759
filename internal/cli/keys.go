package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kleis/kleis/internal/config"
	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/store"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys issued to callers",
}

var (
	keyLabel     string
	keyProviders string
	keyModels    string
)

func init() {
	keysCreateCmd.Flags().StringVar(&keyLabel, "label", "", "human-readable label")
	keysCreateCmd.Flags().StringVar(&keyProviders, "providers", "", "comma-separated provider scope (codex,claude,copilot); empty means all")
	keysCreateCmd.Flags().StringVar(&keyModels, "models", "", "comma-separated model scope; empty means all")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysDeleteCmd)
}

func newRepo(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	return store.NewPostgresRepository(ctx, cfg.DatabaseURL)
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		repo, err := newRepo(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		keys, err := repo.ListApiKeys(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no keys")
			return nil
		}
		for _, k := range keys {
			label := ""
			if k.Label != nil {
				label = *k.Label
			}
			revoked := k.RevokedAt != nil
			fmt.Printf("%s\t%s\trevoked=%v\tcreated=%s\n", k.ID, label, revoked, k.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		repo, err := newRepo(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		value, err := randomOpaqueValue(domain.KeyPrefix)
		if err != nil {
			return err
		}
		discoveryToken, err := randomOpaqueValue(domain.DiscoveryTokenPrefix)
		if err != nil {
			return err
		}

		var label *string
		if keyLabel != "" {
			label = &keyLabel
		}

		key := domain.ApiKey{
			Key:                  value,
			ModelsDiscoveryToken: &discoveryToken,
			Label:                label,
			ProviderScopes:       parseProviderScopes(keyProviders),
			ModelScopes:          parseCSV(keyModels),
		}

		created, err := repo.CreateApiKey(ctx, key)
		if err != nil {
			return err
		}

		fmt.Printf("id: %s\n", created.ID)
		fmt.Printf("key: %s\n", created.Key)
		fmt.Printf("models discovery token: %s\n", *created.ModelsDiscoveryToken)
		fmt.Println("store this key now; it will not be shown again")
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		repo, err := newRepo(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		if _, err := repo.RevokeApiKey(ctx, args[0], time.Now()); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Permanently delete a revoked API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := context.Background()
		repo, err := newRepo(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.DeleteRevokedApiKey(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func parseCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseProviderScopes(s string) []domain.Provider {
	raw := parseCSV(s)
	if raw == nil {
		return nil
	}
	out := make([]domain.Provider, 0, len(raw))
	for _, r := range raw {
		out = append(out, domain.Provider(r))
	}
	return out
}

func randomOpaqueValue(prefix string) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
