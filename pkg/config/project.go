package config

import (
	"path/filepath"
	"sort"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// ProjectConfigName is the name of the project config file within a project
// directory.
const ProjectConfigName = "vita.yaml"

// InitialProjectConfigVersion is the first version of the project config.
// Config files that do not specify a version will default to this version.
const InitialProjectConfigVersion = "v1alpha1"

// SupportedProjectConfigVersion is the supported version of the project
// config of the current vitadeploy binary.
const SupportedProjectConfigVersion = "v1alpha1"

// Project describes how to package and deploy one application.
type Project struct {
	Version    string `json:"version,omitempty"`
	TitleID    string `json:"titleID,omitempty"`
	Title      string `json:"title,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`

	// Executable is the signed SELF produced by the build. Required.
	Executable string `json:"executable"`

	// Assets is a directory mirrored into the package root.
	Assets string `json:"assets,omitempty"`

	// Files maps package paths to local files, for anything that doesn't
	// live in the asset directory.
	Files map[string]string `json:"files,omitempty"`

	// InstallRoot overrides the default of ux0:/app/<titleID>.
	InstallRoot string `json:"installRoot,omitempty"`

	Launch LaunchConfig `json:"launch,omitempty"`
	Sync   SyncConfig   `json:"sync,omitempty"`

	// Only populated and consumed by vitadeploy. Never set by user.
	path string
}

// LaunchConfig selects how the application is restarted after a deploy.
type LaunchConfig struct {
	// Protocol is the launcher's name. Empty means vitacompanion.
	Protocol string `json:"protocol,omitempty"`

	// SettleDelay is the pause between stopping the old instance and
	// starting the new one, e.g. `1s`.
	SettleDelay string `json:"settleDelay,omitempty"`
}

// SyncConfig tunes the sync to the device.
type SyncConfig struct {
	// Retries is how many times a failed remote operation is retried.
	Retries *int `json:"retries,omitempty"`
}

// GetPath returns the filepath that the project was parsed from. A getter
// method is used rather than making the field public so that it can't get set
// by the yaml Unmarshalling.
func (p Project) GetPath() string {
	return p.path
}

func (p Project) getVersion() string {
	return p.Version
}

// ParseProject parses the project config in the directory `dir`. Local paths
// in the config are resolved relative to `dir`.
func ParseProject(dir string) (Project, error) {
	configPath := filepath.Join(dir, ProjectConfigName)
	config := Project{
		path:    configPath,
		Version: InitialProjectConfigVersion,
	}
	file := configFile{
		path:    configPath,
		version: SupportedProjectConfigVersion,
		ifMissing: errors.NewFriendlyError("There's no %s in %q. "+
			"Each project needs one to describe its executable and title.",
			ProjectConfigName, dir),
	}
	if _, err := file.load(&config); err != nil {
		return Project{}, errors.WithContext(err, "parse")
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
		log.WithError(err).Debug("Failed to parse absolute path")
	}

	if config.Executable == "" {
		return Project{}, errors.NewFriendlyError(
			"The project defined in %q does not have an executable set.\n"+
				"The executable field is required, and must point at the "+
				"signed eboot produced by the build.", filepath.Base(absDir))
	}

	if config.Title == "" {
		config.Title = filepath.Base(absDir)
	}

	resolve := func(p string) (string, error) {
		if p == "" {
			return "", nil
		}
		expanded, err := homedir.Expand(p)
		if err != nil {
			return "", errors.WithContext(err, "expand homedir")
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(dir, expanded)
		}
		return filepath.Clean(expanded), nil
	}

	if config.Executable, err = resolve(config.Executable); err != nil {
		return Project{}, err
	}
	if config.Assets, err = resolve(config.Assets); err != nil {
		return Project{}, err
	}
	for dst, src := range config.Files {
		if config.Files[dst], err = resolve(src); err != nil {
			return Project{}, err
		}
	}

	if _, err := config.SettleDelay(); err != nil {
		return Project{}, err
	}
	if config.Sync.Retries != nil && *config.Sync.Retries < 0 {
		return Project{}, errors.ConfigurationError{
			Subject: "sync.retries",
			Reason:  "must not be negative",
		}
	}
	return config, nil
}

// Descriptor returns the package identity described by the project. If the
// project doesn't set a title id, `defaultTitleID` is used instead.
func (p Project) Descriptor(defaultTitleID string) (vpk.Descriptor, error) {
	titleID := p.TitleID
	if titleID == "" {
		titleID = defaultTitleID
	}
	if titleID == "" {
		return vpk.Descriptor{}, errors.ConfigurationError{
			Subject: "titleID",
			Reason: "isn't set in " + ProjectConfigName +
				", and no default title id was given",
		}
	}

	desc := vpk.Descriptor{
		TitleID:     vpk.TitleID(titleID),
		Title:       p.Title,
		AppVersion:  p.AppVersion,
		InstallRoot: p.InstallRoot,
	}
	if err := desc.Validate(); err != nil {
		return vpk.Descriptor{}, err
	}
	return desc, nil
}

// PackageOptions returns the extra files to add to the package, in a stable
// order.
func (p Project) PackageOptions() []vpk.Option {
	var dsts []string
	for dst := range p.Files {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)

	var opts []vpk.Option
	for _, dst := range dsts {
		opts = append(opts, vpk.WithFile(dst, p.Files[dst]))
	}
	return opts
}

// SettleDelay parses Launch.SettleDelay. Zero means the launcher's default.
func (p Project) SettleDelay() (time.Duration, error) {
	if p.Launch.SettleDelay == "" {
		return 0, nil
	}

	delay, err := time.ParseDuration(p.Launch.SettleDelay)
	if err != nil || delay < 0 {
		return 0, errors.ConfigurationError{
			Subject: "launch.settleDelay",
			Reason:  "must be a duration such as 1s",
			Err:     err,
		}
	}
	return delay, nil
}
