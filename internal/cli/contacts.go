package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newContactsCmd() *cobra.Command {
	var recipient string

	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Inspect contact directories through the running gateway",
	}

	cmd.PersistentFlags().StringVar(&recipient, "as", "cli", "recipient id to connect as")

	list := &cobra.Command{
		Use:   "list <number-id>",
		Short: "List a number's contacts, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialGateway(cmd.Context(), recipient)
			if err != nil {
				return err
			}
			defer sess.Close()

			contacts, err := sess.ListContacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCOUNTERPARTY\tNAME\tUNREAD\tLAST MESSAGE")
			for _, c := range contacts {
				name := c.DisplayName
				if name == "" {
					name = "-"
				}
				preview := c.LastMessage
				if len(preview) > 40 {
					preview = preview[:40] + "…"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Counterparty, name, c.Unread, preview)
			}
			return w.Flush()
		},
	}

	markRead := &cobra.Command{
		Use:   "mark-read <contact-id>",
		Short: "Reset a contact's unread counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialGateway(cmd.Context(), recipient)
			if err != nil {
				return err
			}
			defer sess.Close()

			contact, err := sess.MarkRead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s unread: %d\n", contact.Counterparty, contact.Unread)
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history <contact-id>",
		Short: "Print a conversation's message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialGateway(cmd.Context(), recipient)
			if err != nil {
				return err
			}
			defer sess.Close()

			messages, err := sess.ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			for _, m := range messages {
				arrow := "<-"
				if m.Direction == "outbound" {
					arrow = "->"
				}
				fmt.Printf("%s %s %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), arrow, m.From, m.Body)
			}
			return nil
		},
	}

	cmd.AddCommand(list)
	cmd.AddCommand(markRead)
	cmd.AddCommand(history)

	return cmd
}
