package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vitadeploy/ci/util"
)

// syncTestTitleID is installed and overwritten by the test.
const syncTestTitleID = "VDCI00001"

func Test(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dir := helper.WriteProject(t, syncTestTitleID, map[string]string{
		"keep.txt":         "unchanged",
		"change.txt":       "before",
		"remove/gone.txt":  "deleted by the second deploy",
		"nested/a/b/c.txt": "deep",
	})

	deploy := func() {
		output, err := helper.Run(ctx, "deploy", "--no-launch", dir)
		require.NoError(t, err, "vitadeploy deploy: %s", string(output))
	}
	deploy()

	files, err := helper.RemoteFiles(ctx, syncTestTitleID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("before")), files["change.txt"])
	assert.Contains(t, files, "eboot.bin")
	assert.Contains(t, files, "sce_sys/param.sfo")
	assert.Contains(t, files, "nested/a/b/c.txt")

	t.Run("FileChange", func(t *testing.T) {
		helper.WriteAsset(t, dir, "change.txt", "after the change")
		require.NoError(t, os.RemoveAll(filepath.Join(dir, "assets", "remove")))
		deploy()

		files, err := helper.RemoteFiles(ctx, syncTestTitleID)
		require.NoError(t, err)
		assert.Equal(t, int64(len("after the change")), files["change.txt"])
		assert.NotContains(t, files, "remove/gone.txt")
		assert.Contains(t, files, "keep.txt")
	})

	t.Run("DryRunIsReadOnly", func(t *testing.T) {
		helper.WriteAsset(t, dir, "new.txt", "only planned")
		output, err := helper.Run(ctx, "deploy", "--dry-run", dir)
		require.NoError(t, err, "vitadeploy deploy --dry-run: %s", string(output))
		assert.Contains(t, string(output), "upload  new.txt")

		files, err := helper.RemoteFiles(ctx, syncTestTitleID)
		require.NoError(t, err)
		assert.NotContains(t, files, "new.txt")
	})

	t.Run("Launch", func(t *testing.T) {
		output, err := helper.Run(ctx, "launch", dir)
		require.NoError(t, err, "vitadeploy launch: %s", string(output))
	})
}
