package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/busproxy/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a configuration file",
		Long: `Validate a YAML or CUE configuration file.

This command checks:
  - YAML syntax or CUE conformance to the #Config schema
  - Field constraints (account paths, store settings, profile watching)
  - The telemetry section
  - That the bus scenario, if any, can be loaded`,
		Example: `  # Validate the file given with --config
  busproxy -c busproxy.yaml validate

  # Validate a CUE file
  busproxy validate busproxy.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no configuration file given")
			}

			log.Info().Str("path", path).Msg("Validating configuration")

			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, ve := range verrs {
						fmt.Println(ve.String())
					}
				}
				return err
			}

			sc, err := cfg.Scenario()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cfg)
			}

			fmt.Printf("%s: ok\n", path)
			fmt.Printf("  bus:      %s\n", cfg.Bus.ID)
			fmt.Printf("  accounts: %d\n", len(cfg.Accounts))
			if sc != nil {
				fmt.Printf("  scenario: %d objects, %d connections, %d signals\n",
					len(sc.Objects), len(sc.Connections), len(sc.Signals))
			}
			if cfg.Store.Enabled {
				fmt.Printf("  store:    %s\n", cfg.Store.Path)
			}
			if cfg.Profiles.Dir != "" {
				fmt.Printf("  profiles: %s (watch=%v)\n", cfg.Profiles.Dir, cfg.Profiles.Watch)
			}
			return nil
		},
	}

	return cmd
}
