package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		numberID  string
		recipient string
	)

	cmd := &cobra.Command{
		Use:   "send <to> <body...>",
		Short: "Send an outbound SMS through the running gateway",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if numberID == "" {
				return fmt.Errorf("--number is required")
			}

			to := args[0]
			body := strings.Join(args[1:], " ")

			sess, err := dialGateway(cmd.Context(), recipient)
			if err != nil {
				return err
			}
			defer sess.Close()

			msg, err := sess.Send(cmd.Context(), numberID, to, body)
			if err != nil {
				return err
			}

			fmt.Printf("Sent %s -> %s (id %s)\n", msg.From, msg.To, msg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&numberID, "number", "", "routable number id to send from")
	cmd.Flags().StringVar(&recipient, "as", "cli", "recipient id to connect as")

	return cmd
}
