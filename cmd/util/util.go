package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// Mocked for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandleFatalError prints the friendliest description of `err` and exits.
// The full error is always available in the debug log.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, goterm.Color(errors.GetPrintableMessage(err), goterm.RED))
	exit(1)
}

// HandlePanic logs the stack trace of a panic before letting it continue.
// It must be deferred directly.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Unexpected panic: %v", r)
		fmt.Fprintln(stderr, "vitadeploy crashed. Please report this, along with "+
			"the output of the command rerun with --verbose.")
		panic(r)
	}
}

// DeviceSettings are the resolved settings for reaching the device.
type DeviceSettings struct {
	Target         device.Target
	CommandAddress string
	Timeout        time.Duration
}

// DeviceOverrides are settings passed on the command line. Zero values keep
// the configured setting.
type DeviceOverrides struct {
	Address string
	Timeout time.Duration
}

// KeepAliveInterval is how often an idle session pings the device.
const KeepAliveInterval = 30 * time.Second

// GetDeviceSettings resolves the user config and `overrides` into the
// settings for reaching the device.
func GetDeviceSettings(user config.User, overrides DeviceOverrides) (DeviceSettings, error) {
	if overrides.Address != "" {
		user.Address = overrides.Address
	}
	if user.Address == "" {
		return DeviceSettings{}, errors.NewFriendlyError(
			"No device address is configured.\n"+
				"Set the %s environment variable, pass --address, or run "+
				"`vitadeploy config` to save one in %s.",
			config.AddressEnvVar, config.UserConfigPath)
	}

	timeout, err := user.TimeoutDuration()
	if err != nil {
		return DeviceSettings{}, err
	}
	if overrides.Timeout != 0 {
		timeout = overrides.Timeout
	}

	creds := device.DefaultCredentials
	if user.Username != "" {
		creds = device.Credentials{User: user.Username, Password: user.Password}
	}

	return DeviceSettings{
		Target: device.Target{
			Address:       user.FTPAddress(),
			Credentials:   creds,
			Timeout:       timeout,
			KeepAlive:     KeepAliveInterval,
			MaxReconnects: 1,
		},
		CommandAddress: user.CommandAddress(),
		Timeout:        timeout,
	}, nil
}

// LoadProject parses the project in `dir` and builds its descriptor.
func LoadProject(dir, defaultTitleID string) (config.Project, vpk.Descriptor, error) {
	project, err := config.ParseProject(dir)
	if err != nil {
		return config.Project{}, vpk.Descriptor{}, err
	}

	desc, err := project.Descriptor(defaultTitleID)
	if err != nil {
		return config.Project{}, vpk.Descriptor{}, errors.WithContext(err,
			fmt.Sprintf("read %s", project.GetPath()))
	}
	return project, desc, nil
}

// ProjectDir returns the project directory named on the command line, or
// the working directory.
func ProjectDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return os.Getwd()
}
