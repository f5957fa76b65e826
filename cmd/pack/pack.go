package pack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sidkik/vitadeploy/cmd/util"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `pack` command.
func New() *cobra.Command {
	var output, defaultTitleID string
	cmd := &cobra.Command{
		Use:   "pack [project_dir]",
		Short: "Build an installable VPK archive of the project",
		Long: `Assemble the project's executable, metadata and assets into a VPK archive
that can be installed with VitaShell.

If no project directory is provided, "pack" uses the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir, err := util.ProjectDir(args)
			if err != nil {
				return errors.WithContext(err, "get project directory")
			}
			return run(dir, output, defaultTitleID)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "",
		"Where to write the archive (default <title id>.vpk in the project directory)")
	cmd.Flags().StringVar(&defaultTitleID, "default-title-id", "",
		"The title ID to use if the project doesn't set one")
	return cmd
}

func run(dir, output, defaultTitleID string) error {
	project, desc, err := util.LoadProject(dir, defaultTitleID)
	if err != nil {
		return err
	}

	tree, err := vpk.Assemble(project.Executable, project.Assets, desc, project.PackageOptions()...)
	if err != nil {
		return errors.WithContext(err, "assemble package")
	}

	if output == "" {
		output = filepath.Join(dir, string(desc.TitleID)+".vpk")
	}

	f, err := os.Create(output)
	if err != nil {
		return errors.WithContext(err, "create archive")
	}

	if err := vpk.WriteVPK(f, tree); err != nil {
		f.Close()
		os.Remove(output)
		return errors.WithContext(err, "write archive")
	}
	if err := f.Close(); err != nil {
		return errors.WithContext(err, "close archive")
	}

	fmt.Fprintf(stdout, "Wrote %d files (%d bytes) to %s\n", tree.Len(), tree.Size(), output)
	return nil
}
