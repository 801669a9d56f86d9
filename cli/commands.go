package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/supportdesk/chatclient"
	"github.com/xiaot623/supportdesk/internal/domain"
)

func newOpenCmd(g *globalFlags) *cobra.Command {
	var customerID, businessID string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Create a session between a customer and a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			if customerID == "" {
				customerID = client.Principal().ID
			}
			session, err := client.CreateSession(cmd.Context(), customerID, businessID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id (defaults to --principal)")
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func newCloseCmd(g *globalFlags) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			session, err := client.CloseSession(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", session.SessionID, session.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSessionsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions visible to the principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
}

func printSessions(w io.Writer, sessions []domain.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCUSTOMER\tBUSINESS\tSTATUS\tMESSAGES\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.SessionID, s.CustomerID, s.BusinessID, s.Status, s.LastPosition, s.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat on a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, client, g.wsURL(), sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// printer writes each confirmed message once, in log order. A message is
// held back until every earlier position has been printed.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	self   string
	next   int64
	closed bool
}

func newPrinter(out io.Writer, self string) *printer {
	return &printer{out: out, self: self, next: 1}
}

// refresh prints the run of confirmed entries starting at the next unprinted
// position. entries must be rendered in position order.
func (p *printer) refresh(entries []chatclient.Entry, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.Pending() || e.Message.Position < p.next {
			continue
		}
		if e.Message.Position > p.next {
			break
		}
		p.next++
		who := e.Message.SenderID
		if who == p.self {
			who = "you"
		}
		fmt.Fprintf(p.out, "[%d] %s %s: %s\n",
			e.Message.Position, e.Message.CreatedAt.Local().Format(time.TimeOnly), who, e.Message.Content)
	}
	if closed && !p.closed {
		p.closed = true
		fmt.Fprintln(p.out, "-- session closed --")
	}
}

func runChat(ctx context.Context, client *chatclient.Client, wsURL, sessionID string, in io.Reader, out io.Writer) error {
	sess, err := chatclient.Open(ctx, client, wsURL, sessionID)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())

	p := newPrinter(out, client.Principal().ID)
	show := func() { p.refresh(sess.Messages(), sess.Closed()) }
	sess.Synchronizer().OnChange(show)
	show()

	fmt.Fprintln(out, "Type a message and press Enter to send. Commands: /retry, /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return fmt.Errorf("connection lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			switch input {
			case "":
				continue
			case "/quit":
				return nil
			case "/retry":
				retryFailed(ctx, sess, out)
				continue
			}
			if _, err := sess.Send(ctx, input); err != nil {
				fmt.Fprintf(out, "send failed: %v (use /retry)\n", err)
			}
		}
	}
}

func retryFailed(ctx context.Context, sess *chatclient.Session, out io.Writer) {
	for _, e := range sess.Messages() {
		if e.Status != chatclient.EntryError {
			continue
		}
		if _, err := sess.Retry(ctx, e.Message.MessageID); err != nil {
			fmt.Fprintf(out, "retry failed: %v\n", err)
		}
	}
}
