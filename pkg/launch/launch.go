// Package launch restarts a deployed application on the device. The way to
// do that depends on the companion service running on the device, so each
// service is a Launcher registered under a protocol name.
package launch

//go:generate mockery -name Launcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// Launcher stops any running instance of an application and starts the
// installed one. Stopping when nothing is running is not an error.
type Launcher interface {
	Relaunch(ctx context.Context, desc vpk.Descriptor) error
}

// Options configure a Launcher.
type Options struct {
	// Address is the host:port of the device's command service.
	Address string

	// Timeout bounds each connection to the device.
	Timeout time.Duration

	// SettleDelay is the pause between stopping and starting. Zero means
	// the launcher's default.
	SettleDelay time.Duration

	Clock clockwork.Clock
	Log   log.FieldLogger
}

func (opts Options) withDefaults() Options {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = log.StandardLogger()
	}
	return opts
}

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Factory creates a Launcher.
type Factory func(Options) (Launcher, error)

// DefaultProtocol is used when a project doesn't pick a launcher.
const DefaultProtocol = ProtocolVitaCompanion

var (
	registryLock sync.Mutex
	registry     = map[string]Factory{}
)

// Register makes a launcher available under `protocol`. It panics if the
// name is taken.
func Register(protocol string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()

	if _, ok := registry[protocol]; ok {
		panic("duplicate launcher: " + protocol)
	}
	registry[protocol] = factory
}

// Protocols returns the registered protocol names, sorted.
func Protocols() []string {
	registryLock.Lock()
	defer registryLock.Unlock()

	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the launcher registered under `protocol`. An empty protocol
// selects DefaultProtocol.
func New(protocol string, opts Options) (Launcher, error) {
	if protocol == "" {
		protocol = DefaultProtocol
	}

	registryLock.Lock()
	factory, ok := registry[protocol]
	registryLock.Unlock()
	if !ok {
		return nil, errors.ConfigurationError{
			Subject: "launch.protocol",
			Reason: fmt.Sprintf("unknown launcher %q, expected one of: %s",
				protocol, strings.Join(Protocols(), ", ")),
		}
	}
	return factory(opts.withDefaults())
}

// ProtocolNone is a launcher that leaves the device alone.
const ProtocolNone = "none"

type noop struct {
	log log.FieldLogger
}

func (l noop) Relaunch(_ context.Context, desc vpk.Descriptor) error {
	l.log.WithField("titleID", desc.TitleID).Debug("Launching is disabled")
	return nil
}

func init() {
	Register(ProtocolNone, func(opts Options) (Launcher, error) {
		return noop{log: opts.Log}, nil
	})
	Register(ProtocolVitaCompanion, newCompanion)
}
