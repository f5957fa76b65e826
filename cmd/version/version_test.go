package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/vitadeploy/pkg/version"
)

func TestRun(t *testing.T) {
	out := bytes.NewBuffer(nil)
	stdout = out

	run()
	assert.Contains(t, out.String(), "vitadeploy version: development build\n")
	assert.Contains(t, out.String(), "launch protocols:   [none vitacompanion]\n")

	version.Version = "abc1234"
	defer func() { version.Version = version.EmptyValue }()
	out.Reset()
	run()
	assert.Contains(t, out.String(), "vitadeploy version: abc1234\n")
}
