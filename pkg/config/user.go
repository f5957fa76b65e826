package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

const (
	// UserConfigPath is the default path to the vitadeploy user config.
	UserConfigPath = "~/.vitadeploy.yaml"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version will default to this
	// version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the user config
	// of the current vitadeploy binary.
	SupportedUserConfigVersion = "v1alpha1"

	// AddressEnvVar overrides the device host, like the cargo-vita tooling.
	AddressEnvVar = "VITA_IP"

	// DefaultFTPPort and DefaultCommandPort are where the companion plugin
	// listens.
	DefaultFTPPort     = 1337
	DefaultCommandPort = 1338

	// DefaultTimeout bounds connecting to the device.
	DefaultTimeout = 10 * time.Second
)

// User contains the settings for reaching the user's device. They're shared
// by every project.
type User struct {
	Version string `json:"version,omitempty"`

	// Address is the device's host name or IP, without a port.
	Address     string `json:"address,omitempty"`
	FTPPort     int    `json:"ftpPort,omitempty"`
	CommandPort int    `json:"commandPort,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Timeout is a duration string such as `5s`.
	Timeout string `json:"timeout,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// Mocked for unit tests.
var (
	homedirExpand = homedir.Expand
	getenv        = os.Getenv
)

// ParseUser parses the user config at the default path. A missing file isn't
// an error since every setting has a default, or can be passed as a flag.
// The VITA_IP environment variable takes precedence over the file's address.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	file := configFile{path: path, version: SupportedUserConfigVersion}
	found, err := file.load(&config)
	if err != nil {
		return User{}, errors.WithContext(err, "parse")
	}
	if !found {
		config.Version = SupportedUserConfigVersion
	}

	if addr := getenv(AddressEnvVar); addr != "" {
		config.Address = addr
	}

	if _, err := config.TimeoutDuration(); err != nil {
		return User{}, err
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's global vitadeploy
// configuration. This path is expanded, so it can be directly passed to file
// operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}

// FTPAddress is the host:port of the device's file service.
func (u User) FTPAddress() string {
	port := u.FTPPort
	if port == 0 {
		port = DefaultFTPPort
	}
	return net.JoinHostPort(u.Address, strconv.Itoa(port))
}

// CommandAddress is the host:port of the device's command service.
func (u User) CommandAddress() string {
	port := u.CommandPort
	if port == 0 {
		port = DefaultCommandPort
	}
	return net.JoinHostPort(u.Address, strconv.Itoa(port))
}

// TimeoutDuration parses Timeout.
func (u User) TimeoutDuration() (time.Duration, error) {
	if u.Timeout == "" {
		return DefaultTimeout, nil
	}

	timeout, err := time.ParseDuration(u.Timeout)
	if err != nil || timeout <= 0 {
		return 0, errors.ConfigurationError{
			Subject: "timeout",
			Reason:  "must be a positive duration such as 10s",
			Err:     err,
		}
	}
	return timeout, nil
}
