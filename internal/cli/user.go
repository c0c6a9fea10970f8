package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserAPIKeyCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var admin bool

	cmd := &cobra.Command{
		Use:   "create <name> <email>",
		Short: "Create a user on the free tier and print its API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := models.CreateUser(args[0], args[1])
			if err != nil {
				return fmt.Errorf("invalid user: %w", err)
			}
			if admin {
				u.Role = models.ROLE_ADMIN
			}
			raw, err := u.IssueAPIKey()
			if err != nil {
				return err
			}
			if err := services.Repos.User.Create(u); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			return printOutput(cmd, map[string]interface{}{"id": u.ID, "email": u.Email, "role": u.Role, "api_key": raw})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}

func newUserAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apikey <userID>",
		Short: "Rotate a user's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			u, err := services.Repos.User.GetByID(userID)
			if err != nil {
				return fmt.Errorf("failed to load user %d: %w", userID, err)
			}
			raw, err := u.IssueAPIKey()
			if err != nil {
				return err
			}
			if err := services.Repos.User.UpdateAPIKey(u); err != nil {
				return fmt.Errorf("failed to store api key: %w", err)
			}
			return printOutput(cmd, map[string]interface{}{"id": u.ID, "api_key": raw})
		},
	}
}
