package launch

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// ProtocolVitaCompanion drives the text command port of the vitacompanion
// plugin.
const ProtocolVitaCompanion = "vitacompanion"

// DefaultSettleDelay gives the device time to tear down the old instance
// before the new one is launched.
const DefaultSettleDelay = time.Second

// companion sends one newline terminated command per connection. The plugin
// either answers with a status line or just closes the connection; a line
// starting with "error" is the only failure signal.
type companion struct {
	opts Options
}

func newCompanion(opts Options) (Launcher, error) {
	if opts.Address == "" {
		return nil, errors.ConfigurationError{
			Subject: "address",
			Reason:  "the device address is required to launch",
		}
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	return companion{opts: opts}, nil
}

func (c companion) Relaunch(ctx context.Context, desc vpk.Descriptor) error {
	if err := c.send(ctx, "destroy"); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return c.fail("launch "+string(desc.TitleID), ctx.Err())
	case <-c.opts.Clock.After(c.opts.SettleDelay):
	}

	return c.send(ctx, "launch "+string(desc.TitleID))
}

func (c companion) send(ctx context.Context, cmd string) error {
	dialer := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return c.fail(cmd, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return c.fail(cmd, err)
	}

	if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
		return c.fail(cmd, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.CloseWrite(); err != nil {
			log.WithError(err).Debug("Failed to half-close command connection")
		}
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	var netErr net.Error
	switch {
	case err == nil, err == io.EOF:
	case errors.As(err, &netErr) && netErr.Timeout():
		// Older plugin builds keep the connection open without replying.
		c.opts.Log.WithField("command", cmd).Debug("No reply from device, assuming success")
	default:
		return c.fail(cmd, err)
	}

	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(strings.ToLower(reply), "error") {
		return c.fail(cmd, errors.New("device replied %q", reply))
	}

	c.opts.Log.WithFields(log.Fields{
		"command": cmd,
		"reply":   reply,
	}).Debug("Sent launch command")
	return nil
}

func (c companion) fail(cmd string, err error) error {
	return errors.LaunchError{
		Protocol: ProtocolVitaCompanion,
		Address:  c.opts.Address,
		Command:  cmd,
		Err:      err,
	}
}
