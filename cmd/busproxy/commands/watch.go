package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/busproxy/pkg/account"
	"github.com/openfroyo/busproxy/pkg/capabilities"
	"github.com/openfroyo/busproxy/pkg/profile"
	"github.com/openfroyo/busproxy/pkg/properties"
	"github.com/openfroyo/busproxy/pkg/readiness"
)

type watchLine struct {
	Time    time.Time `json:"time"`
	Account string    `json:"account"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
}

type watchPrinter struct {
	mu sync.Mutex
}

func (p *watchPrinter) print(path, kind, format string, args ...any) {
	line := watchLine{
		Time:    time.Now(),
		Account: path,
		Kind:    kind,
		Detail:  fmt.Sprintf(format, args...),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if jsonOutput {
		_ = printJSON(line)
		return
	}
	fmt.Printf("%s %-12s %s %s\n", line.Time.Format("15:04:05.000"), line.Kind, line.Account, line.Detail)
}

func newWatchCommand() *cobra.Command {
	var (
		timeout       time.Duration
		duration      time.Duration
		exitAfterPlay bool
	)

	cmd := &cobra.Command{
		Use:   "watch [account-path...]",
		Short: "Follow account state changes",
		Long: `Open the accounts, request every feature and print feature status
transitions, property changes, connection handoffs and capability changes as
they happen.

The scenario's scripted signals are played once the accounts are open. When
profile watching is enabled, edits to profile files are pushed into the
accounts. When the history store is enabled, a snapshot is recorded after
each change.`,
		Example: `  # Follow until interrupted
  busproxy -c busproxy.yaml watch

  # Play the scenario and exit
  busproxy -c busproxy.yaml watch --exit-after-play`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.openAccounts(ctx, args); err != nil {
				return err
			}

			out := &watchPrinter{}
			dirty := make(chan *account.Account, 64)
			mark := func(a *account.Account) {
				select {
				case dirty <- a:
				default:
				}
			}

			for _, a := range s.accounts {
				a := a
				path := a.ObjectPath().String()

				a.OnFeatureStatus(func(ch readiness.StatusChange) {
					if ch.Err != nil {
						out.print(path, "feature", "%s %s -> %s: %v", ch.Feature, ch.From, ch.To, ch.Err)
					} else {
						out.print(path, "feature", "%s %s -> %s", ch.Feature, ch.From, ch.To)
					}
					mark(a)
				})
				a.OnAnyPropertyChanged(func(ch properties.Change) {
					out.print(path, "property", "%s = %v (%s)", ch.Name, ch.New, ch.Kind)
					mark(a)
				})
				a.OnConnectionChanged(func(ch account.ConnectionChange) {
					switch {
					case ch.Err != nil:
						out.print(path, "connection", "build %s failed: %v", ch.Target, ch.Err)
					case ch.Current == nil:
						out.print(path, "connection", "none")
					default:
						out.print(path, "connection", "%s (%s)", ch.Current.ObjectPath(), ch.Current.Status())
					}
				})
				a.OnCapabilitiesChanged(func(caps capabilities.Set) {
					out.print(path, "capabilities", "%d classes", len(caps))
				})
				a.OnFirstOnline(func() {
					out.print(path, "online", "first time online")
				})
				a.OnRemoved(func() {
					out.print(path, "removed", "account removed")
				})
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case a := <-dirty:
						sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
						s.snapshot(sctx, a)
						scancel()
					case <-ctx.Done():
						return
					}
				}
			}()
			defer func() {
				cancel()
				wg.Wait()
			}()

			if s.profiles != nil && s.cfg.Profiles.Watch {
				err := s.profiles.Watch(ctx, func(service string, p *profile.Profile) {
					for _, a := range s.accounts {
						a.ProfileUpdated(service, p)
					}
				})
				if err != nil {
					return err
				}
			}

			s.becomeReady(ctx, timeout)

			go func() {
				if err := s.bus.Play(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("Scenario playback failed")
				}
				if !exitAfterPlay {
					return
				}
				for _, a := range s.accounts {
					_ = a.Loop().Call(ctx, func() {})
				}
				cancel()
			}()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for features")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 means until interrupted)")
	cmd.Flags().BoolVar(&exitAfterPlay, "exit-after-play", false, "exit once the scenario's signals are played")

	return cmd
}
