package launch

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

var hello = vpk.Descriptor{TitleID: "RUST00001", Title: "Hello"}

// commandServer mimics the plugin's command port. `reply` maps a command to
// the line written back; commands without a reply just get the connection
// closed.
type commandServer struct {
	listener net.Listener
	reply    map[string]string

	lock     sync.Mutex
	commands []string
}

func newCommandServer(t *testing.T, reply map[string]string) *commandServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &commandServer{listener: listener, reply: reply}
	go srv.serve()
	t.Cleanup(func() { listener.Close() })
	return srv
}

func (srv *commandServer) serve() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}

		line, err := bufio.NewReader(conn).ReadString('\n')
		if err == nil {
			cmd := strings.TrimSpace(line)
			srv.lock.Lock()
			srv.commands = append(srv.commands, cmd)
			srv.lock.Unlock()

			if reply, ok := srv.reply[cmd]; ok {
				conn.Write([]byte(reply + "\n"))
			}
		}
		conn.Close()
	}
}

func (srv *commandServer) Commands() []string {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return append([]string(nil), srv.commands...)
}

func newTestLauncher(t *testing.T, protocol, address string, clock clockwork.Clock) Launcher {
	logger, _ := test.NewNullLogger()
	launcher, err := New(protocol, Options{
		Address: address,
		Timeout: time.Second,
		Clock:   clock,
		Log:     logger,
	})
	require.NoError(t, err)
	return launcher
}

func TestCompanionRelaunch(t *testing.T) {
	srv := newCommandServer(t, map[string]string{
		"launch RUST00001": "Launching RUST00001",
	})
	clock := clockwork.NewFakeClock()
	launcher := newTestLauncher(t, "", srv.listener.Addr().String(), clock)

	errChan := make(chan error, 1)
	go func() {
		errChan <- launcher.Relaunch(context.Background(), hello)
	}()

	// The launch must wait for the settle delay after destroy.
	clock.BlockUntil(1)
	assert.Equal(t, []string{"destroy"}, srv.Commands())
	clock.Advance(DefaultSettleDelay)

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relaunch did not finish")
	}
	assert.Equal(t, []string{"destroy", "launch RUST00001"}, srv.Commands())
}

func TestCompanionErrorReply(t *testing.T) {
	srv := newCommandServer(t, map[string]string{
		"destroy":          "Nothing to destroy",
		"launch RUST00001": "Error: title not installed",
	})
	clock := clockwork.NewFakeClock()
	launcher := newTestLauncher(t, ProtocolVitaCompanion, srv.listener.Addr().String(), clock)

	errChan := make(chan error, 1)
	go func() {
		errChan <- launcher.Relaunch(context.Background(), hello)
	}()
	clock.BlockUntil(1)
	clock.Advance(DefaultSettleDelay)

	err := <-errChan
	var launchErr errors.LaunchError
	require.True(t, errors.As(err, &launchErr), "unexpected error: %v", err)
	assert.Equal(t, "launch RUST00001", launchErr.Command)
	assert.Equal(t, srv.listener.Addr().String(), launchErr.Address)
	assert.Contains(t, err.Error(), "title not installed")
}

func TestCompanionUnreachable(t *testing.T) {
	// Grab a free port, then close it so nothing is listening.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	listener.Close()

	launcher := newTestLauncher(t, ProtocolVitaCompanion, address, clockwork.NewFakeClock())
	err = launcher.Relaunch(context.Background(), hello)

	var launchErr errors.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "destroy", launchErr.Command)
}

func TestCompanionCancelledDuringSettle(t *testing.T) {
	srv := newCommandServer(t, nil)
	clock := clockwork.NewFakeClock()
	launcher := newTestLauncher(t, ProtocolVitaCompanion, srv.listener.Addr().String(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- launcher.Relaunch(ctx, hello)
	}()
	clock.BlockUntil(1)
	cancel()

	err := <-errChan
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"destroy"}, srv.Commands())
}

func TestCompanionRequiresAddress(t *testing.T) {
	_, err := New(ProtocolVitaCompanion, Options{})
	assert.Equal(t, errors.ConfigurationError{
		Subject: "address",
		Reason:  "the device address is required to launch",
	}, err)
}

func TestNoneLauncher(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	launcher, err := New(ProtocolNone, Options{Log: logger})
	require.NoError(t, err)
	assert.NoError(t, launcher.Relaunch(context.Background(), hello))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Launching is disabled", hook.LastEntry().Message)
}

func TestUnknownProtocol(t *testing.T) {
	_, err := New("ftp", Options{})
	assert.Equal(t, errors.ConfigurationError{
		Subject: "launch.protocol",
		Reason:  `unknown launcher "ftp", expected one of: none, vitacompanion`,
	}, err)
}

func TestRegisterDuplicate(t *testing.T) {
	assert.Panics(t, func() {
		Register(ProtocolNone, func(Options) (Launcher, error) { return nil, nil })
	})
	assert.Equal(t, []string{ProtocolNone, ProtocolVitaCompanion}, Protocols())
}
