package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powerctx-go/pkg/agent"
)

func newAskCmd(flags *globalFlags) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run one agent turn",
		Long: `Run one agent turn and print the answer, the clarification question, or
the actions waiting for confirmation.

Examples:
  powerctx ask "What did Sarah send me about the Q3 budget?"
  powerctx ask --session 3f2a... "Yes, the one from last Tuesday"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(flags); err != nil {
				return err
			}
			client, err := flags.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()

			resp, err := client.Turn(ctx, agent.TurnRequest{
				UserID:    flags.userID,
				SessionID: sessionID,
				Message:   strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			printTurn(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue this session")
	return cmd
}

func newConfirmCmd(flags *globalFlags) *cobra.Command {
	var reject bool

	cmd := &cobra.Command{
		Use:   "confirm <session-id> <action-id>",
		Short: "Execute or reject a pending action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(flags); err != nil {
				return err
			}
			client, err := flags.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()

			req := agent.ConfirmRequest{UserID: flags.userID, SessionID: args[0], ActionID: args[1]}
			resolve := client.ConfirmAction
			if reject {
				resolve = client.RejectAction
			}
			resp, err := resolve(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case reject:
				fmt.Fprintf(out, "Rejected %s\n", args[1])
			case resp.Result != nil && resp.Result.Success:
				fmt.Fprintf(out, "Executed %s (%s)\n", args[1], resp.Result.Kind)
			case resp.Result != nil:
				fmt.Fprintf(out, "Failed %s: %s (still pending)\n", args[1], resp.Result.Error)
			}
			printPending(out, resp.PendingActions)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "Discard the action instead of executing it")
	return cmd
}

func printTurn(w io.Writer, resp *agent.TurnResponse) {
	fmt.Fprintf(w, "session: %s (%s, %d iterations)\n\n", resp.SessionID, resp.Status, resp.Iterations)

	if resp.Status == agent.StatusAwaitingClarification {
		fmt.Fprintln(w, resp.Question)
		for i, opt := range resp.Options {
			fmt.Fprintf(w, "  %d. %s\n", i+1, opt)
		}
	} else {
		fmt.Fprintln(w, resp.Answer)
	}

	if len(resp.ContextItems) > 0 {
		fmt.Fprintf(w, "\nsources:\n")
		for _, it := range resp.ContextItems {
			fmt.Fprintf(w, "  [%.2f] %s/%s %s\n", it.Score, it.Item.Source, it.Item.ContentKind, it.Item.Title)
		}
	}
	printPending(w, resp.PendingActions)
}

func printPending(w io.Writer, actions []agent.PendingAction) {
	if len(actions) == 0 {
		return
	}
	fmt.Fprintf(w, "\npending actions (powerctx confirm <session-id> <action-id>):\n")
	for _, a := range actions {
		fmt.Fprintf(w, "  %s  %s: %s\n", a.ID, a.Kind, a.Summary)
	}
}
