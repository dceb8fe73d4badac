package users

import "github.com/spf13/cobra"

// UsersCmd is the parent command for user management operations
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage proxy users",
	Long: `Commands for inspecting and provisioning users directly from the server.
Users created here have no passkey; they are meant for service tokens
issued with "tokens issue".`,
}

func init() {
	createCmd.Flags().StringVar(&usernameFlag, "username", "", "Username of the user (required)")
	createCmd.Flags().StringVar(&displayNameFlag, "display-name", "", "Display name, defaults to the username")

	UsersCmd.AddCommand(createCmd)
	UsersCmd.AddCommand(listCmd)

	auditCmd.Flags().StringVar(&usernameFlag, "username", "", "Username of the user (required)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
	UsersCmd.AddCommand(auditCmd)
}
