// Package main provides a terminal client for the supportdesk gateway.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/supportdesk/chatclient"
	"github.com/xiaot623/supportdesk/internal/domain"
)

type globalFlags struct {
	addr      string
	principal string
	role      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "supportdesk-cli",
		Short:         "Terminal client for supportdesk chat sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", envOr("SUPPORTDESK_ADDR", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&g.principal, "principal", os.Getenv("SUPPORTDESK_PRINCIPAL"), "principal id to act as")
	root.PersistentFlags().StringVar(&g.role, "role", envOr("SUPPORTDESK_ROLE", string(domain.RoleCustomer)), "principal role: customer, business or admin")

	root.AddCommand(
		newChatCmd(g),
		newOpenCmd(g),
		newCloseCmd(g),
		newSessionsCmd(g),
	)
	return root
}

// client builds a gateway client from the global flags.
func (g *globalFlags) client() (*chatclient.Client, error) {
	p := domain.Principal{ID: strings.TrimSpace(g.principal), Role: domain.Role(strings.ToLower(g.role))}
	if p.ID == "" {
		return nil, fmt.Errorf("--principal is required")
	}
	if !p.Role.Valid() {
		return nil, fmt.Errorf("invalid --role %q", g.role)
	}
	return chatclient.NewClient(g.addr, p), nil
}

// wsURL derives the room endpoint from the gateway base URL.
func (g *globalFlags) wsURL() string {
	addr := strings.TrimSuffix(g.addr, "/")
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	}
	return addr + "/ws"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
