// Command creditors-agent runs the processes of a creditors agent node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swaptacular/creditors-agent/agent/config"
)

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	s := &session{}
	err := newRootCommand(s).ExecuteContext(ctx)

	s.close(context.Background())
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "creditors-agent:", err)
		os.Exit(1)
	}
}

// session carries the state shared by the sub-commands of one invocation.
type session struct {
	configPath string
	app        *app
}

func (s *session) close(ctx context.Context) {
	if s.app != nil {
		s.app.close(ctx)
	}
}

func newRootCommand(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "creditors-agent",
		Short:         "Creditors agent node of a Swaptacular network",
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(s.configPath, cmd.Flags())
			if err != nil {
				return err
			}

			s.app = a

			return nil
		},
	}

	root.PersistentFlags().StringVar(&s.configPath, "config",
		config.GetenvOrDefault(config.EnvPrefix+"CONFIG", ""), "path to the TOML config file")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newFlushCommand(s),
		newProcessLogAdditionsCommand(s),
		newProcessLedgerUpdatesCommand(s),
		newConsumeMessagesCommand(s),
		newSubscribeCommand(s),
	)

	for _, job := range scanJobs {
		root.AddCommand(newScanCommand(s, job))
	}

	return root
}
