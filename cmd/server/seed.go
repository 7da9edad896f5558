package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"vilniustech/student-portal/internal/app"
	"vilniustech/student-portal/internal/config"
	"vilniustech/student-portal/internal/observability"
)

func NewSeedAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-admin",
		Short: "Create or normalize the reserved administrator account",
		Long: `Create the account named by ADMIN_IDENTIFIER, using ADMIN_PASSWORD or a
generated password. An existing account matching the identifier is normalized.`,
		RunE: runSeedAdmin,
	}
}

func runSeedAdmin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	logger := observability.NewLogger(cfg.LogFormat, cmd.ErrOrStderr())

	seed, err := app.SeedAdmin(commandContext(cmd), cfg, logger)
	if err != nil {
		return err
	}
	switch {
	case seed.GeneratedPassword != "":
		cmd.Printf("Admin account %s created. Generated password: %s\n", seed.User.Username, seed.GeneratedPassword)
	case seed.Created:
		cmd.Printf("Admin account %s created.\n", seed.User.Username)
	default:
		cmd.Printf("Admin account %s already exists.\n", seed.User.Username)
	}
	return nil
}
