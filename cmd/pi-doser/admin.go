package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/pi-doser/internal/api/middleware"
	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/internal/storage"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for the guarded routes",
	Long: `Sign a token with the configured auth secret. Operators may use the debug
routes; admins may also update firmware, reboot and clear the pump config.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var clearConfigCmd = &cobra.Command{
	Use:   "clear-config",
	Short: "Delete the stored pump calibration",
	Long: `Remove the calibration records from the config store while the service is
stopped. Motors are detected afresh with default calibration on the next start.`,
	Args: cobra.NoArgs,
	RunE: runClearConfig,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Dose history migration commands",
	Long:  `Database migration commands for managing the dose history schema`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

func init() {
	tokenCmd.Flags().String("role", string(middleware.RoleOperator), "role granted by the token (operator, admin)")
	tokenCmd.Flags().Duration("expiry", 0, "token lifetime, defaults to auth.token_expiry")

	clearConfigCmd.Flags().Bool("confirm", false, "confirm deleting the calibration")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	roleName, _ := cmd.Flags().GetString("role")
	role, err := middleware.ParseRole(roleName)
	if err != nil {
		return err
	}

	authCfg := cfg.Auth
	if expiry, _ := cmd.Flags().GetDuration("expiry"); expiry > 0 {
		authCfg.TokenExpiry = expiry
	}
	am, err := middleware.NewAuthManager(&authCfg, log)
	if err != nil {
		return err
	}

	token, expires, err := am.GenerateToken(args[0], role)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled {
		log.Warn("Auth is disabled in the config, the doser will not check this token")
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
	return nil
}

func runClearConfig(cmd *cobra.Command, args []string) error {
	if confirm, _ := cmd.Flags().GetBool("confirm"); !confirm {
		return fmt.Errorf("clear-config requires --confirm, all pump calibration will be lost")
	}

	cfg, log, err := setup()
	if err != nil {
		return err
	}

	kv, err := storage.OpenKV(&cfg.Store, log)
	if err != nil {
		return errors.Wrapf(err, "failed to open config store")
	}
	defer kv.Close()

	if err := kv.Delete(doser.StoreKeyMotors); err != nil {
		return errors.Wrapf(err, "failed to clear pump calibration")
	}

	log.WithField("path", cfg.Store.Path).Info("Pump calibration cleared")
	return nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	db, err := openHistoryForMigration()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrator().Up(); err != nil {
		return errors.Wrapf(err, "failed to run migrations")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	db, err := openHistoryForMigration()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrator().Down(); err != nil {
		return errors.Wrapf(err, "failed to rollback migration")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migration rollback completed successfully")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := openHistoryForMigration()
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := db.Migrator().Status()
	if err != nil {
		return errors.Wrapf(err, "failed to get migration status")
	}

	out := cmd.OutOrStdout()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No migrations found")
		return nil
	}

	fmt.Fprintln(out, "Migration Status:")
	fmt.Fprintln(out, "=================")
	for _, status := range statuses {
		statusStr := "PENDING"
		appliedAt := ""
		if status.Applied {
			statusStr = "APPLIED"
			if status.AppliedAt != nil {
				appliedAt = fmt.Sprintf(" (applied at %s)", status.AppliedAt.Format("2006-01-02 15:04:05"))
			}
		}
		fmt.Fprintf(out, "%-15s %s - %s%s\n", status.ID, statusStr, status.Description, appliedAt)
	}
	return nil
}

// openHistoryForMigration opens the history database without migrating it
func openHistoryForMigration() (*storage.Database, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, err
	}

	db, err := storage.NewWithoutMigration(&cfg.History.Config, log)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history database")
	}
	return db, nil
}
