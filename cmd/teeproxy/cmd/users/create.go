package users

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/cmd/teeproxy/cmd/cmdutil"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
)

const maxUsernameLength = 64

var (
	usernameFlag    string
	displayNameFlag string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user without a passkey",
	RunE: func(cmd *cobra.Command, args []string) error {
		username := strings.TrimSpace(usernameFlag)
		if username == "" {
			return fmt.Errorf("--username flag is required")
		}
		if len(username) > maxUsernameLength {
			return fmt.Errorf("username must be at most %d characters", maxUsernameLength)
		}

		cfg, err := cmdutil.Load()
		if err != nil {
			return err
		}
		bundle, err := cmdutil.NewBundle(cfg)
		if err != nil {
			return err
		}
		defer bundle.Close()

		ctx := cmd.Context()
		if _, err := bundle.Users.GetByUsername(ctx, username); err == nil {
			return fmt.Errorf("user %q already exists", username)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to look up user: %w", err)
		}

		display := strings.TrimSpace(displayNameFlag)
		if display == "" {
			display = username
		}
		user := &models.User{ID: bunx.NewUUIDv7(), Username: username, DisplayName: display}
		if err := bundle.Users.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		fmt.Printf("Created user %s\n", user.Username)
		fmt.Printf("  ID: %s\n", user.ID)
		return nil
	},
}
