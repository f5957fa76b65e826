package errors

import (
	"fmt"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ConfigurationError is returned for bad local inputs: missing executables,
// malformed descriptors, and asset paths that would escape the package root.
// It's always raised before any network activity.
type ConfigurationError struct {
	// Subject is the path or field that's invalid.
	Subject string
	Reason  string
	Err     error
}

func (err ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid configuration: %s: %s", err.Subject, err.Reason)
	if err.Err != nil {
		msg += fmt.Sprintf(": %s", err.Err)
	}
	return msg
}

func (err ConfigurationError) Unwrap() error {
	return err.Err
}

// ConnectivityError means the device couldn't be reached.
type ConnectivityError struct {
	Address string
	Err     error
}

func (err ConnectivityError) Error() string {
	return fmt.Sprintf("device at %s is unreachable: %s", err.Address, err.Err)
}

func (err ConnectivityError) Unwrap() error {
	return err.Err
}

// AuthenticationError means the device accepted the connection but rejected
// the credentials.
type AuthenticationError struct {
	Address string
	User    string
	Err     error
}

func (err AuthenticationError) Error() string {
	return fmt.Sprintf("device at %s rejected login for %q: %s",
		err.Address, err.User, err.Err)
}

func (err AuthenticationError) Unwrap() error {
	return err.Err
}

// TransientIOError is a single failed remote operation. The synchronizer
// retries these before escalating to a PartialSyncError.
type TransientIOError struct {
	Op   string
	Path string
	Err  error
}

func (err TransientIOError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Op, err.Path, err.Err)
}

func (err TransientIOError) Unwrap() error {
	return err.Err
}

// PartialSyncError aborts a synchronization run. Applied counts the remote
// operations that completed before the failure; when it's zero the device
// filesystem was left untouched.
type PartialSyncError struct {
	Phase    string
	Path     string
	Attempts int
	Applied  int
	Err      error
}

func (err PartialSyncError) Error() string {
	return fmt.Sprintf("sync aborted during %s of %q after %d attempt(s), "+
		"%d operation(s) applied: %s",
		err.Phase, err.Path, err.Attempts, err.Applied, err.Err)
}

func (err PartialSyncError) Unwrap() error {
	return err.Err
}

// DeviceModified returns whether the device filesystem may be in a mixed
// state.
func (err PartialSyncError) DeviceModified() bool {
	return err.Applied > 0
}

// FriendlyMessage tells the operator what was left behind and how to
// recover.
func (err PartialSyncError) FriendlyMessage() string {
	state := "No changes were made on the device."
	if err.DeviceModified() {
		state = fmt.Sprintf("%d operation(s) were applied before the failure, "+
			"so the device filesystem may be in a mixed state.", err.Applied)
	}
	return fmt.Sprintf("Sync failed during %s of %q: %s\n%s\n"+
		"Re-running the deployment is safe and will finish the sync.",
		err.Phase, err.Path, err.Err, state)
}

// LaunchError is a failed relaunch. The package is installed regardless, so
// the orchestrator reports it as a warning.
type LaunchError struct {
	Protocol string
	Address  string
	Command  string
	Err      error
}

func (err LaunchError) Error() string {
	return fmt.Sprintf("%s launch (%s) via %s: %s",
		err.Protocol, err.Command, err.Address, err.Err)
}

func (err LaunchError) Unwrap() error {
	return err.Err
}

// DeviceBusyError is returned when another deployment already holds the
// device.
type DeviceBusyError struct {
	Address string
}

func (err DeviceBusyError) Error() string {
	return fmt.Sprintf("device %s is busy with another deployment", err.Address)
}

// StageError names the deployment stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (err StageError) Error() string {
	return fmt.Sprintf("%s failed: %s", err.Stage, err.Err)
}

func (err StageError) Unwrap() error {
	return err.Err
}
