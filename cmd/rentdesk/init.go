package main

import (
	"fmt"

	rentdesk "github.com/rentdesk/sdk-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.rentdesk/config.toml",
	Long:  "Initialize the rentdesk CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.Username = ""
		if s, err := rentdesk.NewJWTSession(token); err == nil {
			cfg.Auth.Username = s.Subject()
			if s.Expired() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: this token has already expired.")
			}
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}
