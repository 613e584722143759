package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kleis/kleis/internal/config"
	"github.com/kleis/kleis/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the repository's embedded schema",
	Long:  "Connects to the configured database and applies the embedded SQL schema (idempotent).",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	repo, err := store.NewPostgresRepository(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	fmt.Println("kleis: schema applied")
	return nil
}
