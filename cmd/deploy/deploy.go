package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/vitadeploy/cmd/util"
	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/deploy"
	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/fswatch"
	"github.com/sidkik/vitadeploy/pkg/launch"
	"github.com/sidkik/vitadeploy/pkg/sync"
)

// Mocked for unit testing.
var (
	stdout     io.Writer     = os.Stdout
	parseUser                = config.ParseUser
	dialer     device.Dialer = device.FTPDialer{}
	newWatcher               = fswatch.Watch
)

type options struct {
	address        string
	defaultTitleID string
	timeout        time.Duration
	retries        int
	noLaunch       bool
	dryRun         bool
	watch          bool
}

// New creates a new `deploy` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "deploy [project_dir]",
		Short: "Package the project and install it on the device",
		Long: `Package the project's signed executable and assets, mirror the package
onto the device over FTP, and relaunch the application.

Only files whose size changed are uploaded, and files that are no longer part
of the package are deleted from the device.

If no project directory is provided, "deploy" uses the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := util.ProjectDir(args)
			if err != nil {
				return errors.WithContext(err, "get project directory")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, dir, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.address, "address", "a", "",
		"The device's host name or IP. Overrides the user config and $"+config.AddressEnvVar)
	cmd.Flags().StringVar(&opts.defaultTitleID, "default-title-id", "",
		"The title ID to use if the project doesn't set one")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0,
		"Timeout for each connection to the device (default from the user config)")
	cmd.Flags().IntVar(&opts.retries, "retries", -1,
		"How many times to retry a failed remote operation (default from vita.yaml, or 2)")
	cmd.Flags().BoolVar(&opts.noLaunch, "no-launch", false,
		"Install the package without relaunching the application")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false,
		"Print the changes that would be made to the device without making them")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false,
		"Redeploy whenever the executable, assets or project config change")
	return cmd
}

func run(ctx context.Context, dir string, opts options) error {
	if !opts.watch {
		return deployOnce(ctx, dir, opts)
	}

	if opts.dryRun {
		return errors.NewFriendlyError("--watch can't be combined with --dry-run.")
	}

	project, err := config.ParseProject(dir)
	if err != nil {
		return err
	}

	paths := []string{project.GetPath(), project.Executable, project.Assets}
	for _, src := range project.Files {
		paths = append(paths, src)
	}
	watcher, err := newWatcher(paths...)
	if err != nil {
		return errors.WithContext(err, "watch project")
	}
	defer watcher.Close()

	// A failed deployment doesn't end the loop. The next build may fix it.
	for {
		if err := deployOnce(ctx, dir, opts); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(stdout, errors.GetPrintableMessage(err))
		}
		fmt.Fprintln(stdout, "Waiting for changes...")

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Updates:
			if !ok {
				return nil
			}
			log.Debug("Detected change, redeploying")
		}
	}
}

func deployOnce(ctx context.Context, dir string, opts options) error {
	userConfig, err := parseUser()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	settings, err := util.GetDeviceSettings(userConfig, util.DeviceOverrides{
		Address: opts.address,
		Timeout: opts.timeout,
	})
	if err != nil {
		return err
	}

	project, desc, err := util.LoadProject(dir, opts.defaultTitleID)
	if err != nil {
		return err
	}

	retry := sync.DefaultRetry
	if project.Sync.Retries != nil {
		retry.MaxAttempts = *project.Sync.Retries + 1
	}
	if opts.retries >= 0 {
		retry.MaxAttempts = opts.retries + 1
	}

	var launcher launch.Launcher
	if !opts.noLaunch && !opts.dryRun {
		settleDelay, err := project.SettleDelay()
		if err != nil {
			return err
		}

		launcher, err = launch.New(project.Launch.Protocol, launch.Options{
			Address:     settings.CommandAddress,
			Timeout:     settings.Timeout,
			SettleDelay: settleDelay,
		})
		if err != nil {
			return err
		}
	}

	progress := newProgressObserver(stdout)
	deployer := deploy.Deployer{
		Dialer: dialer,
		Syncer: sync.Syncer{
			Retry:    retry,
			Observer: progress,
		},
		Launcher: launcher,
		OnTransition: func(from, to string) {
			log.WithFields(log.Fields{"from": from, "to": to}).Debug("Deployment state changed")
		},
	}

	fmt.Fprintf(stdout, "Deploying %s (%s) to %s\n", desc.Title, desc.TitleID, settings.Target.Address)
	res, err := deployer.Deploy(ctx, deploy.Request{
		Executable: project.Executable,
		AssetDir:   project.Assets,
		Descriptor: desc,
		Package:    project.PackageOptions(),
		Target:     settings.Target,
		SkipLaunch: opts.noLaunch,
		DryRun:     opts.dryRun,
	})
	progress.Finish()
	fmt.Fprintln(stdout, summarize(res, opts.dryRun))
	if opts.dryRun && err == nil {
		printPlan(stdout, res.Plan)
	}
	return err
}

func printPlan(out io.Writer, plan sync.Plan) {
	for _, e := range plan.Deletes {
		fmt.Fprintf(out, "  delete  %s\n", e.Path)
	}
	if plan.CreateRoot {
		fmt.Fprintln(out, "  mkdir   .")
	}
	for _, dir := range plan.Mkdirs {
		fmt.Fprintf(out, "  mkdir   %s\n", dir)
	}
	for _, e := range plan.Uploads {
		fmt.Fprintf(out, "  upload  %s (%d bytes)\n", e.Path, e.Size)
	}
}
