package vpk

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// WriteVPK writes the tree as a VPK, the zip archive that the on-device
// installer (VitaShell) unpacks into DefaultAppRoot.
func WriteVPK(w io.Writer, tree Tree) error {
	zw := zip.NewWriter(w)
	for _, e := range tree.Entries() {
		if err := writeEntry(zw, e); err != nil {
			return errors.WithContext(err, fmt.Sprintf("add %s", e.Path))
		}
	}

	if err := zw.Close(); err != nil {
		return errors.WithContext(err, "finish archive")
	}
	return nil
}

func writeEntry(zw *zip.Writer, e Entry) error {
	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:   e.Path,
		Method: zip.Deflate,
	})
	if err != nil {
		return err
	}

	src, err := e.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return err
	}
	if n != e.Size {
		return errors.New("expected %d bytes, but copied %d. Did the file change?", e.Size, n)
	}
	return nil
}
