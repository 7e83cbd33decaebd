// Command patchlings-cmd is a thin CLI adapter over the telemetry engine,
// mirroring the teacher's cmd/gasoline-cmd root command: a cobra root with
// persistent flags feeding internal/config, and one subcommand per engine
// operation surfaced to an operator or a shell-scripted fixture run.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/patchlings/telemetry-engine/cmd/patchlings-cmd/commands"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("patchlings-cmd failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	globals := &commands.Globals{}

	root := &cobra.Command{
		Use:           "patchlings-cmd",
		Short:         "Ingest and inspect Patchlings telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			logrus.SetOutput(cmd.ErrOrStderr())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	commands.RegisterPersistentFlags(root, globals)
	root.AddCommand(
		commands.NewIngestCommand(globals),
		commands.NewWorldCommand(globals),
		commands.NewChaptersCommand(globals),
	)

	return root
}
