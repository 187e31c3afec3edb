package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Dm1try555/banister-backend-sub001/sym"
)

// DbCmd represents the db command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the banister database",
	Long: sym.DB + ` Manage the banister database.

Examples:
  banister db migrate                # Apply pending migrations
  banister db migrate --db /tmp/x.db # Migrate a specific database file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(dbPathFlag(cmd))
		if err != nil {
			return err
		}
		defer database.Close()

		pterm.Success.Println("Database schema is up to date")
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}
