package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/wagate/internal/domain"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions as persisted, without live reconciliation",
	RunE:  runSessionsList,
}

func init() {
	sessionsListCmd.Flags().String("owner", "", "only list sessions of this owner")
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")

	store, err := openStore(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	sessions, err := store.List(cmd.Context(), owner)
	if err != nil {
		return err
	}
	return printSessions(cmd.OutOrStdout(), sessions)
}

func printSessions(out io.Writer, sessions []domain.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "No sessions.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tSTATUS\tDETAIL\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Owner, s.Status, s.Detail, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
