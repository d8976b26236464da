package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var (
		ready   bool
		levels  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "graph [account-path]",
		Short: "Print the account feature graph",
		Long: `Print the feature dependency graph of an account in Graphviz DOT format.

With --ready every feature is requested first and nodes are colored by
status. With --levels the introspection levels are printed instead.`,
		Example: `  # Render the graph
  busproxy -c busproxy.yaml graph | dot -Tsvg > features.svg

  # Show levels after introspection
  busproxy -c busproxy.yaml graph --ready --levels`,
		Args: cobra.MaximumNArgs(1),
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
			a := s.accounts[0]
			if ready {
				s.becomeReady(ctx, timeout)
			}
			g := a.Graph()

			if levels {
				for i, fs := range g.Levels() {
					names := make([]string, len(fs))
					for j, f := range fs {
						names[j] = string(f)
						if ready {
							names[j] += "(" + string(a.FeatureStatus(f)) + ")"
						}
					}
					fmt.Printf("level %d: %s\n", i, strings.Join(names, " "))
				}
				return nil
			}

			if ready {
				fmt.Print(g.ToDOT(a.FeatureStatus))
			} else {
				fmt.Print(g.ToDOT(nil))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ready, "ready", false, "request every feature and show statuses")
	cmd.Flags().BoolVar(&levels, "levels", false, "print levels instead of DOT")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for features")

	return cmd
}
