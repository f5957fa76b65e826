package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/vitadeploy/cmd/config"
	deployCmd "github.com/sidkik/vitadeploy/cmd/deploy"
	launchCmd "github.com/sidkik/vitadeploy/cmd/launch"
	"github.com/sidkik/vitadeploy/cmd/pack"
	"github.com/sidkik/vitadeploy/cmd/util"
	"github.com/sidkik/vitadeploy/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "VITADEPLOY_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool
	setupLogging := func(_ *cobra.Command, _ []string) {
		if verbose || os.Getenv(verboseLogKey) == "true" {
			log.SetLevel(log.DebugLevel)
		}
	}

	rootCmd := &cobra.Command{
		Use:          "vitadeploy",
		Short:        "Deploy homebrew builds to a PlayStation Vita over Wi-Fi",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors:    true,
		PersistentPreRun: setupLogging,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log every step. Equivalent to setting "+verboseLogKey+"=true")

	rootCmd.AddCommand(
		configCmd.New(),
		deployCmd.New(),
		launchCmd.New(),
		pack.New(),
		version.New(),
	)
	return rootCmd
}
