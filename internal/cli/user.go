package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connecthub/connecthub/internal/auth"
	"github.com/connecthub/connecthub/internal/config"
	"github.com/connecthub/connecthub/internal/store"
	"github.com/connecthub/connecthub/pkg/cli"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage builtin user accounts",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user account (builtin auth only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Provider != "builtin" {
				return fmt.Errorf("user add requires the builtin auth provider, config uses %q", cfg.Auth.Provider)
			}

			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			password := p.AskSecret("Password")
			if confirm := p.AskSecret("Confirm password"); confirm != password {
				return errors.New("passwords do not match")
			}
			displayName, _ := cmd.Flags().GetString("display-name")

			s, err := store.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer s.Close()

			user, err := auth.NewService(s, cfg.Auth).Register(cmd.Context(), args[0], password, displayName)
			if err != nil {
				return err
			}
			p.Println("Created user", user.Username, "with id", user.ID)
			return nil
		},
	}
	cmd.Flags().String("display-name", "", "display name (defaults to the username)")
	return cmd
}
