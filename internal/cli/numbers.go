package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/textdesk/textdesk/internal/config"
	"github.com/textdesk/textdesk/internal/store"
)

func newNumbersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "numbers",
		Short: "Manage routable phone numbers",
	}

	cmd.AddCommand(newNumbersAddCmd())
	cmd.AddCommand(newNumbersListCmd())
	cmd.AddCommand(newNumbersAssignCmd())
	cmd.AddCommand(newNumbersDeactivateCmd())

	return cmd
}

// openNumberStore opens the database for direct admin access. Number
// registration is valid while the server is offline; SQLite WAL tolerates a
// concurrent reader-writer when it is not.
func openNumberStore() (*store.DB, *store.NumberStore, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(paths.DatabasePath(cfg.Storage), log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, store.NewNumberStore(db), nil
}

func newNumbersAddCmd() *cobra.Command {
	var assignee string

	cmd := &cobra.Command{
		Use:   "add <tenant-id> <address>",
		Short: "Register a routable number for a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, numbers, err := openNumberStore()
			if err != nil {
				return err
			}
			defer db.Close()

			num, err := numbers.Create(cmd.Context(), args[0], args[1], assignee)
			if err != nil {
				return err
			}

			fmt.Printf("Registered %s (id %s)\n", num.Address, num.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&assignee, "assignee", "", "initial assignee user id")
	return cmd
}

func newNumbersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's routable numbers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, numbers, err := openNumberStore()
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := numbers.ListByTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tASSIGNEE\tACTIVE")
			for _, n := range list {
				assignee := n.AssigneeID
				if assignee == "" {
					assignee = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", n.ID, n.Address, assignee, n.Active)
			}
			return w.Flush()
		},
	}
}

func newNumbersAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <number-id> <assignee-id>",
		Short: "Assign a number to a user (empty assignee routes to the tenant owner)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, numbers, err := openNumberStore()
			if err != nil {
				return err
			}
			defer db.Close()

			assignee := ""
			if len(args) == 2 {
				assignee = args[1]
			}

			num, err := numbers.Assign(cmd.Context(), args[0], assignee)
			if err != nil {
				return err
			}

			if num.AssigneeID == "" {
				fmt.Printf("%s now routes to tenant owner\n", num.Address)
			} else {
				fmt.Printf("%s now routes to %s\n", num.Address, num.AssigneeID)
			}
			return nil
		},
	}
}

func newNumbersDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <number-id>",
		Short: "Deactivate a number; its webhooks become orphaned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, numbers, err := openNumberStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := numbers.Deactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Deactivated")
			return nil
		},
	}
}
