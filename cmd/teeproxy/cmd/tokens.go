package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/cmd/teeproxy/cmd/cmdutil"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
)

var (
	tokenUser      string
	tokenPolicy    string
	listPolicy     string
	tokenScopes    []string
	tokenHours     int
	tokenNote      string
	purgeRetention time.Duration
)

// cliMeta marks audit rows written from the command line.
var cliMeta = token.RequestMeta{UserAgent: "teeproxy-cli"}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage issued tokens",
	Long:  `Commands for issuing, listing and revoking tokens without going through the dashboard.`,
}

// withTokens resolves --user (id or username) and runs fn with the token
// service.
func withTokens(ctx context.Context, fn func(ctx context.Context, tokens *token.Service, user *models.User) error) error {
	if tokenUser == "" {
		return fmt.Errorf("--user flag is required")
	}
	bundle, err := cmdutil.NewBundle(cfg)
	if err != nil {
		return err
	}
	defer bundle.Close()

	user, err := bundle.Users.GetByUsername(ctx, tokenUser)
	if err != nil {
		if user, err = bundle.Users.GetByID(ctx, tokenUser); err != nil {
			return fmt.Errorf("user %q not found", tokenUser)
		}
	}
	return fn(ctx, bundle.Tokens, user)
}

var tokensIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenPolicy != auth.PolicyAPI && tokenPolicy != auth.PolicyPasskey {
			return fmt.Errorf("--policy must be %q or %q", auth.PolicyAPI, auth.PolicyPasskey)
		}
		return withTokens(cmd.Context(), func(ctx context.Context, tokens *token.Service, user *models.User) error {
			issued, err := tokens.Issue(ctx, token.IssueRequest{
				UserID:      user.ID,
				Policy:      tokenPolicy,
				Scopes:      tokenScopes,
				ExpiryHours: tokenHours,
				UserAgent:   tokenNote,
			})
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Printf("Issued %s token for %s\n", tokenPolicy, user.Username)
			fmt.Printf("  Token ID: %s\n", issued.Record.TokenID)
			fmt.Printf("  Expires:  %s\n", issued.Record.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("  Scopes:   %s\n", issued.Record.Scopes)
			fmt.Println()
			fmt.Println("Token (shown once):")
			fmt.Println(issued.Token)
			return nil
		})
	},
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active tokens of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokens(cmd.Context(), func(ctx context.Context, tokens *token.Service, user *models.User) error {
			list, err := tokens.ListActive(ctx, user.ID, listPolicy)
			if err != nil {
				return fmt.Errorf("failed to list tokens: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No active tokens")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN ID\tPOLICY\tSCOPES\tEXPIRES")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.TokenID, t.Policy, strings.Join(t.ScopeList(), ","), t.ExpiresAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke one token of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokens(cmd.Context(), func(ctx context.Context, tokens *token.Service, user *models.User) error {
			ok, err := tokens.Revoke(ctx, args[0], user.ID, cliMeta)
			if err != nil {
				return fmt.Errorf("failed to revoke token: %w", err)
			}
			if !ok {
				return fmt.Errorf("no active token %s for %s", args[0], user.Username)
			}
			fmt.Printf("Revoked token %s\n", args[0])
			return nil
		})
	},
}

var tokensRevokeAllCmd = &cobra.Command{
	Use:   "revoke-all",
	Short: "Revoke every token of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokens(cmd.Context(), func(ctx context.Context, tokens *token.Service, user *models.User) error {
			n, err := tokens.RevokeAll(ctx, user.ID, "", cliMeta)
			if err != nil {
				return fmt.Errorf("failed to revoke tokens: %w", err)
			}
			fmt.Printf("Revoked %d token(s) for %s\n", n, user.Username)
			return nil
		})
	},
}

var tokensPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete tokens that expired before the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cfg)
		if err != nil {
			return err
		}
		defer bundle.Close()

		n, err := bundle.Tokens.PurgeExpired(cmd.Context(), time.Now().Add(-purgeRetention))
		if err != nil {
			return fmt.Errorf("failed to purge tokens: %w", err)
		}
		fmt.Printf("Purged %d expired token(s)\n", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{tokensIssueCmd, tokensListCmd, tokensRevokeCmd, tokensRevokeAllCmd} {
		c.Flags().StringVar(&tokenUser, "user", "", "Username or ID of the token owner (required)")
	}
	tokensIssueCmd.Flags().StringVar(&tokenPolicy, "policy", auth.PolicyAPI, "Token policy (api or passkey)")
	tokensIssueCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "Scope to grant (repeatable)")
	tokensIssueCmd.Flags().IntVar(&tokenHours, "hours", 0, "Lifetime in hours, 0 uses the configured default")
	tokensIssueCmd.Flags().StringVar(&tokenNote, "description", "", "Description stored with the token")
	tokensListCmd.Flags().StringVar(&listPolicy, "policy", "", "Only list tokens of this policy")
	tokensPurgeCmd.Flags().DurationVar(&purgeRetention, "retention", 24*time.Hour, "Keep expired tokens younger than this")

	tokensCmd.AddCommand(tokensIssueCmd, tokensListCmd, tokensRevokeCmd, tokensRevokeAllCmd, tokensPurgeCmd)
	rootCmd.AddCommand(tokensCmd)
}
