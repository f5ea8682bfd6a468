package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
	"feedbackcore.org/db"
)

func init() {
	RootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply the database schema",
	Long: `Creates or updates the feedback, annotation, topic, batch, audit and
report tables, the supporting indexes and the daily aggregates
materialized view. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if err := common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
			return err
		}

		pg, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer pg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		common.Logger.Info("migrations applied")
		return nil
	},
}
