package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/busproxy/pkg/account"
)

type capsReport struct {
	Path                string   `json:"path"`
	Source              string   `json:"source"`
	Classes             []string `json:"classes"`
	TextChats           bool     `json:"text_chats"`
	AudioCalls          bool     `json:"audio_calls"`
	VideoCalls          bool     `json:"video_calls"`
	VideoCallsWithAudio bool     `json:"video_calls_with_audio"`
	UpgradingCalls      bool     `json:"upgrading_calls"`
}

func newCapsCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "caps [account-path...]",
		Short: "Print effective capabilities",
		Long: `Print the channel classes an account can request.

While the account's connection is Connected its capabilities come from the
connection. Otherwise they are the protocol's requestable classes minus the
classes the service profile marks as unsupported.`,
		Example: `  # Capabilities of the configured accounts
  busproxy -c busproxy.yaml caps`,
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

			var reports []capsReport
			for _, a := range s.accounts {
				if !a.IsReady(account.FeatureCapabilities) {
					reason := a.FeatureReason(account.FeatureCapabilities)
					if reason == nil {
						reason = errors.New(string(a.FeatureStatus(account.FeatureCapabilities)))
					}
					return fmt.Errorf("%s: capabilities not ready: %w", a.ObjectPath(), reason)
				}
				caps := a.Capabilities()
				r := capsReport{
					Path:                a.ObjectPath().String(),
					Source:              "protocol",
					Classes:             []string{},
					TextChats:           caps.TextChats(),
					AudioCalls:          caps.AudioCalls(),
					VideoCalls:          caps.VideoCalls(),
					VideoCallsWithAudio: caps.VideoCallsWithAudio(),
					UpgradingCalls:      caps.UpgradingCalls(),
				}
				if a.CapabilitiesFromConnection() {
					r.Source = "connection"
				}
				for _, c := range caps {
					r.Classes = append(r.Classes, c.String())
				}
				reports = append(reports, r)
			}

			if jsonOutput {
				return printJSON(reports)
			}
			for _, r := range reports {
				fmt.Printf("%s (from %s)\n", r.Path, r.Source)
				fmt.Printf("  text chats:            %v\n", r.TextChats)
				fmt.Printf("  audio calls:           %v\n", r.AudioCalls)
				fmt.Printf("  video calls:           %v\n", r.VideoCalls)
				fmt.Printf("  video calls w/ audio:  %v\n", r.VideoCallsWithAudio)
				fmt.Printf("  upgrading calls:       %v\n", r.UpgradingCalls)
				for _, c := range r.Classes {
					fmt.Printf("  %s\n", c)
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for features")

	return cmd
}
