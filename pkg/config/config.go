package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// versioned is implemented by every config file so that files written for a
// different release are rejected before their fields are interpreted.
type versioned interface {
	getVersion() string
}

// configFile is a versioned YAML file read by vitadeploy.
type configFile struct {
	path    string
	version string

	// ifMissing is returned if the file doesn't exist. If it's nil, a
	// missing file leaves the config untouched.
	ifMissing error
}

// invalidConfigError is returned when a config file isn't valid YAML, or
// has fields of the wrong type or that don't exist. The yaml library loses
// the position of the failure, so only its message is kept.
type invalidConfigError struct {
	path, reason string
}

func (err invalidConfigError) Error() string {
	return err.FriendlyMessage()
}

func (err invalidConfigError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q could not be parsed.\n"+
		"Check that every field is spelled correctly and has the right type, "+
		"for example that durations are quoted strings such as \"5s\".\n\n"+
		"The parser reported:\n%s", err.path, err.reason)
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of vitadeploy.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

// load parses the file into config, and reports whether the file existed.
func (f configFile) load(config versioned) (bool, error) {
	configBytes, err := afero.ReadFile(fs, f.path)
	switch {
	case isPathNotFoundError(err) && f.ifMissing != nil:
		return false, f.ifMissing
	case isPathNotFoundError(err):
		log.WithField("path", f.path).Debug("Config file doesn't exist")
		return false, nil
	case err != nil:
		return false, errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return true, invalidConfigError{f.path, err.Error()}
	}

	if config.getVersion() != f.version {
		return true, incompatibleVersionError{f.path, f.version, config.getVersion()}
	}

	// The strict pass runs second so that a file from another release
	// reports its version rather than the fields it added.
	if err := yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields); err != nil {
		return true, invalidConfigError{f.path, err.Error()}
	}
	return true, nil
}

func isPathNotFoundError(err error) bool {
	var fileErr *os.PathError
	return errors.As(err, &fileErr) && fileErr.Op == "open" && os.IsNotExist(fileErr.Err)
}
