package util

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	cmdUtil "github.com/sidkik/vitadeploy/cmd/util"
	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/sync"
)

// TestHelper contains methods commonly used during integration tests.
type TestHelper struct {
	User     config.User
	Settings cmdUtil.DeviceSettings

	// Executable is a signed eboot that's safe to launch on the test device.
	Executable string
}

// NewTestHelper creates a new TestHelper for the device configured in the
// user config or $VITA_IP.
func NewTestHelper(executable string) (*TestHelper, error) {
	user, err := config.ParseUser()
	if err != nil {
		return nil, errors.WithContext(err, "parse user config")
	}

	settings, err := cmdUtil.GetDeviceSettings(user, cmdUtil.DeviceOverrides{})
	if err != nil {
		return nil, err
	}

	return &TestHelper{
		User:       user,
		Settings:   settings,
		Executable: executable,
	}, nil
}

// Run runs the given vitadeploy command, and returns its combined output.
func (helper *TestHelper) Run(ctx context.Context, command ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "vitadeploy", command...).CombinedOutput()
}

// WriteProject creates a project in a temporary directory whose assets are
// `files`, and returns the project's directory.
func (helper *TestHelper) WriteProject(t *testing.T, titleID string, files map[string]string) string {
	dir := t.TempDir()
	projectConfig := "titleID: " + titleID + "\n" +
		"title: vitadeploy CI\n" +
		"executable: " + helper.Executable + "\n" +
		"assets: assets\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ProjectConfigName),
		[]byte(projectConfig), 0644))

	for path, contents := range files {
		helper.WriteAsset(t, dir, path, contents)
	}
	return dir
}

// WriteAsset creates or replaces an asset in the project at `dir`.
func (helper *TestHelper) WriteAsset(t *testing.T, dir, path, contents string) {
	path = filepath.Join(dir, "assets", filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

// RemoteFiles lists the installed files of `titleID` on the device, keyed by
// path relative to the install root.
func (helper *TestHelper) RemoteFiles(ctx context.Context, titleID string) (map[string]int64, error) {
	session, err := device.FTPDialer{}.Open(ctx, helper.Settings.Target)
	if err != nil {
		return nil, errors.WithContext(err, "connect")
	}
	defer session.Close()

	remote, _, err := sync.ListRemote(session, "ux0:/app/"+titleID)
	if err != nil {
		return nil, errors.WithContext(err, "list")
	}

	files := map[string]int64{}
	for path, e := range remote {
		if e.Kind == device.KindFile {
			files[path] = e.Size
		}
	}
	return files, nil
}
