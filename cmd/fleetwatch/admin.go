package main

import (
	"github.com/spf13/cobra"

	"github.com/skypass/fleetwatch/internal/auth"
)

var (
	adminUser     string
	adminPassword string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the admin account",
}

var adminPasswdCmd = &cobra.Command{
	Use:     "passwd",
	Short:   "Force-set an admin password",
	Example: "fleetwatch admin passwd -p <password>",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminPassword == "" {
			return cmd.Help()
		}
		cfg, logger, err := setup(nil)
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		authn, err := auth.NewService(st, cfg.Auth)
		if err != nil {
			return err
		}
		username := adminUser
		if username == "" {
			username = cfg.Auth.AdminUsername
		}
		if err := authn.SetPassword(cmd.Context(), username, adminPassword); err != nil {
			return err
		}
		cmd.Println("Password changed for user:", username)
		return nil
	},
}

func init() {
	adminPasswdCmd.Flags().StringVarP(&adminUser, "user", "u", "", "Admin username (defaults to auth.admin_username)")
	adminPasswdCmd.Flags().StringVarP(&adminPassword, "password", "p", "", "New password")
	adminCmd.AddCommand(adminPasswdCmd)
	rootCmd.AddCommand(adminCmd)
}
