package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/busproxy/pkg/account"
)

type featureReport struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type accountReport struct {
	Path                       string                   `json:"path"`
	Features                   map[string]featureReport `json:"features"`
	Properties                 map[string]any           `json:"properties"`
	Connection                 string                   `json:"connection,omitempty"`
	ConnectionStatus           string                   `json:"connection_status"`
	Capabilities               []string                 `json:"capabilities"`
	CapabilitiesFromConnection bool                     `json:"capabilities_from_connection"`
	SupportsRequestHints       bool                     `json:"supports_request_hints"`
}

func reportAccount(a *account.Account) accountReport {
	r := accountReport{
		Path:                       a.ObjectPath().String(),
		Features:                   make(map[string]featureReport),
		Properties:                 snapshotValues(a.Properties()),
		ConnectionStatus:           a.ConnectionStatus().String(),
		CapabilitiesFromConnection: a.CapabilitiesFromConnection(),
		SupportsRequestHints:       a.SupportsRequestHints(),
		Capabilities:               []string{},
	}
	if p := a.ConnectionObjectPath(); !p.IsNone() {
		r.Connection = p.String()
	}
	for f, st := range a.Features() {
		fr := featureReport{Status: string(st)}
		if err := a.FeatureReason(f); err != nil {
			fr.Reason = err.Error()
		}
		r.Features[string(f)] = fr
	}
	for _, c := range a.Capabilities() {
		r.Capabilities = append(r.Capabilities, c.String())
	}
	return r
}

func printReport(r accountReport) {
	fmt.Println(r.Path)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  FEATURE\tSTATUS\tREASON")
	for _, f := range account.AllFeatures() {
		fr, ok := r.Features[string(f)]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", f, fr.Status, fr.Reason)
	}
	_ = w.Flush()

	names := make([]string, 0, len(r.Properties))
	for name := range r.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("  properties:")
	for _, name := range names {
		fmt.Printf("    %s = %v\n", name, r.Properties[name])
	}

	conn := r.Connection
	if conn == "" {
		conn = "none"
	}
	fmt.Printf("  connection: %s (%s)\n", conn, r.ConnectionStatus)
	fmt.Printf("  request hints: %v\n", r.SupportsRequestHints)

	source := "protocol minus profile"
	if r.CapabilitiesFromConnection {
		source = "connection"
	}
	fmt.Printf("  capabilities (%s):\n", source)
	for _, c := range r.Capabilities {
		fmt.Printf("    %s\n", c)
	}
}

func newInspectCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "inspect [account-path...]",
		Short: "Make accounts ready and print their state",
		Long: `Open a proxy for each account, request every feature and print the
feature table, readable properties, connection and effective capabilities.

Without arguments the accounts listed in the configuration are inspected.
When the history store is enabled a snapshot of each account is recorded.`,
		Example: `  # Inspect the configured accounts
  busproxy -c busproxy.yaml inspect

  # Inspect one account as JSON
  busproxy -c busproxy.yaml --json inspect /org/freedesktop/Telepathy/Account/gabble/jabber/acc0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.openAccounts(ctx, args); err != nil {
				return err
			}
			s.becomeReady(ctx, timeout)

			reports := make([]accountReport, 0, len(s.accounts))
			for _, a := range s.accounts {
				s.snapshot(ctx, a)
				reports = append(reports, reportAccount(a))
			}

			if jsonOutput {
				return printJSON(reports)
			}
			for i, r := range reports {
				if i > 0 {
					fmt.Println()
				}
				printReport(r)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for features")

	return cmd
}
