package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/deploy"
	"github.com/sidkik/vitadeploy/pkg/device/devicetest"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/sync"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

const installRoot = "ux0:/app/RUST00001"

func setupProject(t *testing.T, projectConfig string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ProjectConfigName),
		[]byte(projectConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.self"), []byte("self"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "static"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static", "logo.png"), []byte("png"), 0644))
	return dir
}

func mockEnvironment(t *testing.T, dev *devicetest.Device) *bytes.Buffer {
	var out bytes.Buffer
	stdout = &out
	parseUser = func() (config.User, error) {
		return config.User{Address: "192.168.1.20"}, nil
	}
	dialer = dev
	t.Cleanup(func() {
		parseUser = config.ParseUser
	})
	return &out
}

func TestDeployOnce(t *testing.T) {
	dev := devicetest.NewDevice("ux0:/app")
	out := mockEnvironment(t, dev)
	dir := setupProject(t, "titleID: RUST00001\n"+
		"executable: hello.self\n"+
		"assets: static\n"+
		"launch:\n  protocol: none\n")

	err := deployOnce(context.Background(), dir, options{retries: -1})
	require.NoError(t, err)

	files := dev.Files(installRoot)
	assert.Len(t, files, 3)
	assert.Equal(t, int64(4), files["eboot.bin"])
	assert.Equal(t, int64(3), files["logo.png"])
	assert.Contains(t, files, "sce_sys/param.sfo")
	assert.Contains(t, out.String(), "Deploying")
	assert.Contains(t, out.String(), "3 uploaded")
}

func TestDeployOnceDryRun(t *testing.T) {
	dev := devicetest.NewDevice("ux0:/app")
	out := mockEnvironment(t, dev)
	dir := setupProject(t, "executable: hello.self\n")

	err := deployOnce(context.Background(), dir,
		options{retries: -1, dryRun: true, defaultTitleID: "RUST00001"})
	require.NoError(t, err)

	assert.False(t, dev.Exists(installRoot))
	assert.Contains(t, out.String(), "Dry run: would delete 0, create 2, upload 2")
	assert.Contains(t, out.String(), "  upload  eboot.bin (4 bytes)\n")
	assert.Contains(t, out.String(), "  mkdir   .\n")
}

func TestDeployOnceMissingTitleID(t *testing.T) {
	dev := devicetest.NewDevice("ux0:/app")
	mockEnvironment(t, dev)
	dir := setupProject(t, "executable: hello.self\n")

	err := deployOnce(context.Background(), dir, options{retries: -1})
	var cfgErr errors.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "titleID", cfgErr.Subject)
	assert.Equal(t, 0, dev.Sessions())
}

func TestDeployOnceRetriesFlag(t *testing.T) {
	dev := devicetest.NewDevice("ux0:/app")
	dev.Fault = devicetest.FailOn(devicetest.OpMkdir, installRoot, 10, errors.New("flaky"))
	mockEnvironment(t, dev)
	dir := setupProject(t, "titleID: RUST00001\nexecutable: hello.self\nsync:\n  retries: 5\n")

	err := deployOnce(context.Background(), dir, options{retries: 0, noLaunch: true})
	var syncErr errors.PartialSyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, 1, syncErr.Attempts)
	assert.Equal(t, 0, syncErr.Applied)
}

func TestSummarize(t *testing.T) {
	assert.Contains(t, summarize(deploy.Result{State: deploy.StateFailed}, false),
		"Deployment failed.")

	done := deploy.Result{
		State:    deploy.StateDone,
		Duration: 1500 * time.Millisecond,
		Report:   sync.Report{Uploaded: 2, BytesUploaded: 10, Deleted: 1, Unchanged: 4},
	}
	assert.Contains(t, summarize(done, false),
		"Deployed in 1.5s: 2 uploaded (10 bytes), 1 deleted, 4 unchanged.")

	done.LaunchWarning = errors.New("connection refused")
	assert.Contains(t, summarize(done, false),
		"The application was not relaunched: connection refused")
}

func TestProgressObserver(t *testing.T) {
	var out bytes.Buffer
	progress := newProgressObserver(&out)

	progress.Planned(sync.Plan{})
	assert.Equal(t, "Device is already up to date.\n", out.String())
	progress.Finish()

	tree, err := vpk.NewTree(vpk.Entry{Path: "eboot.bin", Data: []byte("self")})
	require.NoError(t, err)
	progress.Planned(sync.Plan{Uploads: tree.Entries()})
	require.NotNil(t, progress.bar)

	progress.Applied(sync.Operation{Phase: sync.PhaseUpload, Path: "eboot.bin", Size: 4}, nil)
	assert.Equal(t, 1.0, progress.bar.State().CurrentPercent)
	progress.Finish()
	assert.Nil(t, progress.bar)
}
