package vpk

import (
	"fmt"
	"path"
	"regexp"

	goversion "github.com/hashicorp/go-version"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// DefaultAppRoot is the device directory that holds installed applications,
// one subdirectory per title id.
const DefaultAppRoot = "ux0:/app"

// DefaultAppVersion is used when the project doesn't declare a version.
const DefaultAppVersion = "01.00"

const maxTitleLen = 127

var titleIDPattern = regexp.MustCompile(`^[A-Z0-9]{9}$`)

// TitleID is the nine character code that identifies an application on the
// device, e.g. `RUST00001`.
type TitleID string

// ParseTitleID validates s as a title id.
func ParseTitleID(s string) (TitleID, error) {
	if !titleIDPattern.MatchString(s) {
		return "", errors.ConfigurationError{
			Subject: "titleID",
			Reason: fmt.Sprintf("%q must be exactly 9 uppercase letters or digits, "+
				"for example RUST00001", s),
		}
	}
	return TitleID(s), nil
}

// Descriptor identifies a deployable package.
type Descriptor struct {
	TitleID TitleID
	Title   string

	// AppVersion is a dotted version such as `1.2`. Empty means 01.00.
	AppVersion string

	// InstallRoot overrides the device directory the package is installed
	// to. Empty means DefaultAppRoot/<TitleID>.
	InstallRoot string
}

// Validate checks every field of the descriptor.
func (d Descriptor) Validate() error {
	if _, err := ParseTitleID(string(d.TitleID)); err != nil {
		return err
	}

	if d.Title == "" {
		return errors.ConfigurationError{Subject: "title", Reason: "must not be empty"}
	}
	if len(d.Title) > maxTitleLen {
		return errors.ConfigurationError{
			Subject: "title",
			Reason:  fmt.Sprintf("is %d bytes, the device allows at most %d", len(d.Title), maxTitleLen),
		}
	}

	if _, err := d.sfoAppVersion(); err != nil {
		return err
	}
	return nil
}

// InstallPath is the absolute device path of the package directory.
func (d Descriptor) InstallPath() string {
	if d.InstallRoot != "" {
		return d.InstallRoot
	}
	return path.Join(DefaultAppRoot, string(d.TitleID))
}

// sfoAppVersion renders AppVersion in the `MM.mm` form the loader expects.
func (d Descriptor) sfoAppVersion() (string, error) {
	if d.AppVersion == "" {
		return DefaultAppVersion, nil
	}

	v, err := goversion.NewVersion(d.AppVersion)
	if err != nil {
		return "", errors.ConfigurationError{Subject: "appVersion", Reason: "not a version", Err: err}
	}

	segments := v.Segments()
	major, minor := segments[0], segments[1]
	if major > 99 || minor > 99 {
		return "", errors.ConfigurationError{
			Subject: "appVersion",
			Reason:  fmt.Sprintf("%q doesn't fit the MM.mm format", d.AppVersion),
		}
	}
	return fmt.Sprintf("%02d.%02d", major, minor), nil
}
