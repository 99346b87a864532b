package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// migrateCmd applies the embedded schema migrations and exits. The bot also
// migrates on startup; this exists for deploy pipelines that migrate before
// rolling the new binary.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagEnvFile != "" {
			if err := godotenv.Load(flagEnvFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
		}
		_ = godotenv.Load()
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		log := newLogger()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		st, err := store.Open(ctx, dsn, log)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Migrate()
	},
}
