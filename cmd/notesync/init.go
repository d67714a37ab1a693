package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/northstarlabs/notesync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the notesync configuration interactively",
	Long: `Prompt for the remote store URL, user id and access token, and write
the configuration file. Existing values are offered as defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile()

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Server URL").
					Description("Root of the remote notes store").
					Placeholder("https://sync.example.com").
					Value(&cfg.ServerURL).
					Validate(func(s string) error {
						u, err := url.Parse(s)
						if err != nil || u.Scheme == "" || u.Host == "" {
							return fmt.Errorf("enter a full URL, e.g. https://sync.example.com")
						}
						return nil
					}),
				huh.NewInput().
					Title("User ID").
					Description("Account identifier that scopes every sync").
					Value(&cfg.UserID).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("user id is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Access token").
					Description("Leave blank if the server is unauthenticated").
					EchoMode(huh.EchoModePassword).
					Value(&cfg.Token),
				huh.NewInput().
					Title("Database path").
					Value(&cfg.DBPath),
			),
		)

		if err := form.Run(); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("%s Wrote %s\n", renderSuccess("✓"), path)
		fmt.Printf("Run %s to start syncing.\n", renderAccent("notesync daemon"))
		return nil
	},
}
