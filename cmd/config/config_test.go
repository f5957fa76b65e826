package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vitadeploy/pkg/config"
	"github.com/sidkik/vitadeploy/pkg/errors"
)

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:          "No default or current answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "",
			currAnswer:    "",
			stdin:         "user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "No default answer only, chose current answer",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "",
			currAnswer:    "current answer",
			stdin:         "1\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. current answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "current answer",
		},
		{
			name:          "No default answer only, enter manually",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "",
			currAnswer:    "current answer",
			stdin: "2\n" +
				"user input\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. current answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "No current answer only, chose default answer",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "",
			stdin:         "1\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
		{
			name:          "No current answer only, enter manually",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "",
			stdin: "2\n" +
				"user input\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Same default answer and current answer, chose default answer",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "default answer",
			stdin:         "1\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
		{
			name:          "Same default answer and current answer, enter manually",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "default answer",
			stdin: "2\n" +
				"user input",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Different default answer and current answer, chose default answer",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "1\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "default answer",
		},
		{
			name:          "Empty response -- pick default",
			helpString:    "help",
			prompt:        "prompt",
			defaultAnswer: "one",
			currAnswer:    "two",
			stdin:         "\n",
			expPrompt: "help\n" +
				"prompt:\n" +
				"\n" +
				"\t1. one (recommended)\n" +
				"\t2. two\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "one",
		},
		{
			name:          "Different default answer and current answer, chose current answer",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "2\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "current answer",
		},
		{
			name:          "Different default answer and current answer, enter manually",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin: "3\n" +
				"user input\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Invalid input",
			helpString:    "different explanation",
			prompt:        "different prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin: "invalid input\n" +
				"1\n",
			expPrompt: "different explanation\n" +
				"different prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: " +
				"Please choose one [1-3]: \n",
			expResult: "default answer",
		},
	}

	type promptUserResult struct {
		resp string
		err  error
	}
	for _, test := range tests {
		// Setup mocks.
		out := bytes.NewBuffer(nil)
		stdinReader, stdinWriter := io.Pipe()
		stdout = out
		stdin = stdinReader

		// Start the promptUser function.
		resultChan := make(chan promptUserResult)
		go func() {
			resp, err := promptUser(test.helpString, test.prompt,
				test.defaultAnswer, test.currAnswer)
			resultChan <- promptUserResult{resp, err}
		}()

		// Provide the user input.
		fmt.Fprintln(stdinWriter, test.stdin)

		// Check that promptUser behaved as expected.
		result := <-resultChan
		assert.NoError(t, result.err, test.name)
		assert.Equal(t, test.expResult, result.resp, test.name)

		// Test the prompt after `promptUser` has exited so that we can be sure
		// we're not testing before `promptUser` has a chance to print to stdout.
		assert.Equal(t, test.expPrompt, out.String(), test.name)
	}
}

func TestAddressValidation(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		expInputValid bool
		expPrompt     string
	}{
		{
			name:          "valid - IP",
			input:         "192.168.1.20",
			expInputValid: true,
		},
		{
			name:          "valid - host name",
			input:         "vita.local",
			expInputValid: true,
		},
		{
			name:      "invalid - empty",
			input:     "",
			expPrompt: "The address is required.",
		},
		{
			name:      "invalid - space",
			input:     "192.168.1.20 ",
			expPrompt: "The address must be a host name or IP, such as 192.168.1.20.",
		},
		{
			name:      "invalid - URL",
			input:     "ftp://192.168.1.20",
			expPrompt: "The address must be a host name or IP, such as 192.168.1.20.",
		},
		{
			name:  "invalid - port",
			input: "192.168.1.20:1337",
			expPrompt: "The address must not include a port. " +
				"Use --ftp-port and --command-port to change the ports.",
		},
	}

	for _, test := range tests {
		prompt, ok := addressValidationFn(test.input)
		assert.Equal(t, test.expInputValid, ok, test.name)
		assert.Equal(t, test.expPrompt, prompt, test.name)
	}
}

func TestTimeoutValidation(t *testing.T) {
	_, ok := timeoutValidationFn("5s")
	assert.True(t, ok)

	for _, input := range []string{"", "5", "-1s", "0s"} {
		prompt, ok := timeoutValidationFn(input)
		assert.False(t, ok, input)
		assert.Equal(t, "The timeout must be a positive duration, such as 10s.", prompt)
	}
}

func TestGenerateConfig(t *testing.T) {
	guessDefaults = func() config.User {
		return config.User{Address: "10.0.0.5", Timeout: "10s"}
	}
	parseUserConfig = func() (config.User, error) {
		return config.User{
			Address:  "192.168.1.20",
			FTPPort:  2121,
			Username: "vita",
			Password: "secret",
		}, nil
	}
	defer func() {
		guessDefaults = guessDefaultsImpl
		parseUserConfig = config.ParseUser
	}()

	// Everything passed as flags, so nothing is prompted for.
	stdout = bytes.NewBuffer(nil)
	cfg, err := generateConfig(config.User{Address: "vita.local", Timeout: "3s"})
	require.NoError(t, err)
	assert.Equal(t, config.User{
		Address:  "vita.local",
		Timeout:  "3s",
		FTPPort:  2121,
		Username: "vita",
		Password: "secret",
	}, cfg)

	// The timeout is prompted for, and the guessed default is chosen.
	out := bytes.NewBuffer(nil)
	stdout = out
	stdinReader, stdinWriter := io.Pipe()
	stdin = stdinReader
	go fmt.Fprintln(stdinWriter, "1")

	cfg, err = generateConfig(config.User{Address: "vita.local"})
	require.NoError(t, err)
	assert.Equal(t, "10s", cfg.Timeout)
	assert.Contains(t, out.String(), "Connection timeout:")
}

func TestSetupConfigWriteFailure(t *testing.T) {
	stdout = bytes.NewBuffer(nil)
	parseUserConfig = func() (config.User, error) { return config.User{}, nil }
	writeUserConfig = func(config.User) error { return errors.New("read-only") }
	defer func() {
		parseUserConfig = config.ParseUser
		writeUserConfig = config.WriteUser
	}()

	err := SetupConfig(config.User{Address: "vita.local", Timeout: "5s"})
	assert.Equal(t, errors.WithContext(errors.New("read-only"), "write config"), err)
}

func TestGuessDefaults(t *testing.T) {
	getenv = func(key string) string {
		if key == config.AddressEnvVar {
			return "192.168.1.20"
		}
		return ""
	}
	defer func() { getenv = os.Getenv }()

	assert.Equal(t, config.User{Address: "192.168.1.20", Timeout: "10s"}, guessDefaultsImpl())
}
