package launch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidkik/vitadeploy/cmd/util"
	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/launch"
)

// Mocked for unit testing.
var (
	stdout    io.Writer = os.Stdout
	parseUser           = config.ParseUser
)

// New creates a new `launch` command.
func New() *cobra.Command {
	var address, defaultTitleID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "launch [project_dir]",
		Short: "Relaunch the project's application on the device",
		Long: `Stop the application if it's running, and start the installed copy.
Nothing is uploaded. Use "deploy" to install the latest build first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := util.ProjectDir(args)
			if err != nil {
				return errors.WithContext(err, "get project directory")
			}
			return run(cmd.Context(), dir, defaultTitleID,
				util.DeviceOverrides{Address: address, Timeout: timeout})
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "",
		"The device's host name or IP. Overrides the user config and $"+config.AddressEnvVar)
	cmd.Flags().StringVar(&defaultTitleID, "default-title-id", "",
		"The title ID to use if the project doesn't set one")
	cmd.Flags().DurationVar(&timeout, "timeout", 0,
		"Timeout for each connection to the device (default from the user config)")
	return cmd
}

func run(ctx context.Context, dir, defaultTitleID string, overrides util.DeviceOverrides) error {
	userConfig, err := parseUser()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	settings, err := util.GetDeviceSettings(userConfig, overrides)
	if err != nil {
		return err
	}

	project, desc, err := util.LoadProject(dir, defaultTitleID)
	if err != nil {
		return err
	}

	settleDelay, err := project.SettleDelay()
	if err != nil {
		return err
	}

	launcher, err := launch.New(project.Launch.Protocol, launch.Options{
		Address:     settings.CommandAddress,
		Timeout:     settings.Timeout,
		SettleDelay: settleDelay,
	})
	if err != nil {
		return err
	}

	if err := launcher.Relaunch(ctx, desc); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Launched %s (%s)\n", desc.Title, desc.TitleID)
	return nil
}
