package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/vitadeploy/cmd/util"
	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	stdin           io.Reader = os.Stdin
	guessDefaults             = guessDefaultsImpl
	parseUserConfig           = config.ParseUser
	writeUserConfig           = config.WriteUser
	getenv                    = os.Getenv
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the vitadeploy user configuration",
		Long: `Save the settings for reaching your device to ` + config.UserConfigPath + `.

Settings that aren't passed as flags are prompted for interactively.`,
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.Address, "address", "",
		"Set the device's host name or IP. "+
			"Optional: If not set, `vitadeploy config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Timeout, "timeout", "",
		"Set the connection timeout, such as 10s. "+
			"Optional: If not set, `vitadeploy config` will interactively prompt.")
	cmd.Flags().IntVar(&cliOpts.FTPPort, "ftp-port", 0,
		fmt.Sprintf("Set the device's FTP port (default %d)", config.DefaultFTPPort))
	cmd.Flags().IntVar(&cliOpts.CommandPort, "command-port", 0,
		fmt.Sprintf("Set the device's command port (default %d)", config.DefaultCommandPort))
	cmd.Flags().StringVar(&cliOpts.Username, "username", "",
		"Set the FTP username (default anonymous)")
	cmd.Flags().StringVar(&cliOpts.Password, "password", "",
		"Set the FTP password")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-address",
			short: "Get the configured device address",
			fn:    func(cfg config.User) string { return cfg.Address },
		},
		{
			use:   "get-ftp-address",
			short: "Get the host:port used for uploads",
			fn:    func(cfg config.User) string { return cfg.FTPAddress() },
		},
		{
			use:   "get-command-address",
			short: "Get the host:port used for launching",
			fn:    func(cfg config.User) string { return cfg.CommandAddress() },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for any settings missing from `cliOpts`, and writes
// the result to the user config.
func SetupConfig(cliOpts config.User) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func addressValidationFn(addr string) (string, bool) {
	if addr == "" {
		return "The address is required.", false
	}
	if strings.ContainsAny(addr, " \t/") {
		return "The address must be a host name or IP, such as 192.168.1.20.", false
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return "The address must not include a port. " +
			"Use --ftp-port and --command-port to change the ports.", false
	}
	return "", true
}

func timeoutValidationFn(timeout string) (string, bool) {
	if d, err := time.ParseDuration(timeout); err != nil || d <= 0 {
		return "The timeout must be a positive duration, such as 10s.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts config.User) (config.User, error) {
	defaults := guessDefaults()
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := cliOpts
	keep := func(field *int, curr int) {
		if *field == 0 {
			*field = curr
		}
	}
	keep(&cfg.FTPPort, currConfig.FTPPort)
	keep(&cfg.CommandPort, currConfig.CommandPort)
	if cfg.Username == "" {
		cfg.Username = currConfig.Username
		cfg.Password = currConfig.Password
	}

	var prompts []prompt
	if cliOpts.Address == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the host name or IP of your device.\n" +
				"It's shown by the FTP server of the companion plugin.",
			prompt:        "Device address",
			defaultAnswer: defaults.Address,
			currAnswer:    currConfig.Address,
			field:         &cfg.Address,
			validationFn:  addressValidationFn,
		})
	}

	if cliOpts.Timeout == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter how long to wait when connecting to the device.\n" +
				"Increase it if your Wi-Fi connection is slow.",
			prompt:        "Connection timeout",
			defaultAnswer: defaults.Timeout,
			currAnswer:    currConfig.Timeout,
			field:         &cfg.Timeout,
			validationFn:  timeoutValidationFn,
		})
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the user
// config.
func guessDefaultsImpl() (cfg config.User) {
	cfg.Address = getenv(config.AddressEnvVar)
	cfg.Timeout = config.DefaultTimeout.String()
	return cfg
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
