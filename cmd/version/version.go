package version

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sidkik/vitadeploy/pkg/launch"
	"github.com/sidkik/vitadeploy/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of vitadeploy",
		Long: "Print the version of vitadeploy, as a git commit hash, along with\n" +
			"the launch protocols it supports.",
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	v := version.Version
	if !version.IsRelease() {
		v = "development build"
	}
	fmt.Fprintf(stdout, "vitadeploy version: %s\n", v)
	fmt.Fprintf(stdout, "go version:         %s\n", runtime.Version())
	fmt.Fprintf(stdout, "launch protocols:   %v\n", launch.Protocols())
}
