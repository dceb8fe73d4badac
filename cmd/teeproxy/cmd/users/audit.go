package users

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/cmd/teeproxy/cmd/cmdutil"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the most recent audit entries of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if usernameFlag == "" {
			return fmt.Errorf("--username flag is required")
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
		user, err := bundle.Users.GetByUsername(ctx, usernameFlag)
		if err != nil {
			return fmt.Errorf("failed to look up user %q: %w", usernameFlag, err)
		}
		entries, err := repository.NewBunAuditRepository(bundle.DB).ListByUser(ctx, user.ID, auditLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tTOKEN\tIP\tDETAILS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format(time.RFC3339), e.Action, deref(e.TokenID), deref(e.IPAddress), deref(e.Details))
		}
		return w.Flush()
	},
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
