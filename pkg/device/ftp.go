package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sync"
	"syscall"

	"github.com/jlaffaye/ftp"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// DefaultFTPPort is where the companion plugin serves FTP.
const DefaultFTPPort = 1337

// FTPDialer opens sessions against the device's FTP service.
type FTPDialer struct {
	// Clock drives keep-alives. Nil means the real clock.
	Clock clockwork.Clock
}

// Open connects and logs in. Connection failures are reported as
// ConnectivityError, rejected logins as AuthenticationError.
func (d FTPDialer) Open(ctx context.Context, target Target) (Session, error) {
	if target.Timeout == 0 {
		target.Timeout = DefaultTimeout
	}
	if target.Credentials == (Credentials{}) {
		target.Credentials = DefaultCredentials
	}

	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	conn, err := dialFTP(ctx, target)
	if err != nil {
		return nil, err
	}

	s := &ftpSession{
		target: target,
		conn:   conn,
		state:  StateOpen,
		done:   make(chan struct{}),
	}
	if target.KeepAlive > 0 {
		s.wg.Add(1)
		go s.keepAlive(clock)
	}
	return s, nil
}

func dialFTP(ctx context.Context, target Target) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(target.Address,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(target.Timeout))
	if err != nil {
		return nil, errors.ConnectivityError{Address: target.Address, Err: err}
	}

	if err := conn.Login(target.Credentials.User, target.Credentials.Password); err != nil {
		if quitErr := conn.Quit(); quitErr != nil {
			log.WithError(quitErr).Debug("Failed to quit after rejected login")
		}

		if isConnectionError(err) {
			return nil, errors.ConnectivityError{Address: target.Address, Err: err}
		}
		return nil, errors.AuthenticationError{
			Address: target.Address,
			User:    target.Credentials.User,
			Err:     err,
		}
	}
	return conn, nil
}

type ftpSession struct {
	target Target

	// mu serializes commands on the control connection between the caller
	// and the keep-alive goroutine.
	mu         sync.Mutex
	conn       *ftp.ServerConn
	state      State
	reconnects int

	done chan struct{}
	wg   sync.WaitGroup
}

func (s *ftpSession) List(dir string) ([]Entry, error) {
	var entries []Entry
	err := s.do(func(conn *ftp.ServerConn) error {
		listing, err := conn.List(dir)
		switch {
		case isStatus(err, ftp.StatusFileUnavailable):
			return errors.WithContext(ErrNotExist, err.Error())
		case err != nil:
			return err
		}

		entries = nil
		for _, e := range listing {
			if e.Name == "." || e.Name == ".." {
				continue
			}

			kind := KindFile
			if e.Type == ftp.EntryTypeFolder {
				kind = KindDir
			}
			entries = append(entries, Entry{Name: e.Name, Size: int64(e.Size), Kind: kind})
		}
		return nil
	})
	return entries, err
}

func (s *ftpSession) Mkdir(dir string) error {
	return s.do(func(conn *ftp.ServerConn) error {
		mkdirErr := conn.MakeDir(dir)
		if mkdirErr == nil || !isStatus(mkdirErr, ftp.StatusFileUnavailable) {
			return mkdirErr
		}

		// The server doesn't distinguish "exists" from other failures, so
		// look for the directory in its parent.
		siblings, err := conn.List(path.Dir(dir))
		if err != nil {
			return mkdirErr
		}
		for _, e := range siblings {
			if e.Name == path.Base(dir) && e.Type == ftp.EntryTypeFolder {
				return ErrExist
			}
		}
		return mkdirErr
	})
}

func (s *ftpSession) Put(p string, r io.Reader) error {
	return s.do(func(conn *ftp.ServerConn) error {
		return conn.Stor(p, r)
	})
}

func (s *ftpSession) Delete(p string, kind Kind) error {
	return s.do(func(conn *ftp.ServerConn) error {
		var deleteErr error
		if kind == KindDir {
			deleteErr = conn.RemoveDir(p)
		} else {
			deleteErr = conn.Delete(p)
		}
		if deleteErr == nil || !isStatus(deleteErr, ftp.StatusFileUnavailable) {
			return deleteErr
		}

		// 550 also covers non-empty directories and locked files, so only
		// report ErrNotExist if the path is really gone.
		siblings, err := conn.List(path.Dir(p))
		switch {
		case isStatus(err, ftp.StatusFileUnavailable):
			return errors.WithContext(ErrNotExist, deleteErr.Error())
		case err != nil:
			return deleteErr
		}
		for _, e := range siblings {
			if e.Name == path.Base(p) {
				return deleteErr
			}
		}
		return errors.WithContext(ErrNotExist, deleteErr.Error())
	})
}

func (s *ftpSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ftpSession) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	if !wasOpen {
		return nil
	}
	if err := s.conn.Quit(); err != nil && !isConnectionError(err) {
		return errors.WithContext(err, "quit")
	}
	return nil
}

// do runs a single command, reconnecting first if the connection dropped.
// A connection-level failure marks the session dropped so that the caller's
// retry lands on a fresh connection.
func (s *ftpSession) do(cmd func(*ftp.ServerConn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateDropped:
		if err := s.reconnect(); err != nil {
			return err
		}
	}

	err := cmd(s.conn)
	if err == nil {
		return nil
	}

	if isConnectionError(err) {
		s.dropped(err)
		return errors.WithContext(ErrConnectionLost, err.Error())
	}
	return err
}

func (s *ftpSession) dropped(cause error) {
	log.WithError(cause).WithField("address", s.target.Address).Debug(
		"Lost connection to device")
	s.state = StateDropped
	if err := s.conn.Quit(); err != nil {
		log.WithError(err).Debug("Failed to clean up dropped connection")
	}
}

func (s *ftpSession) reconnect() error {
	if s.reconnects >= s.target.MaxReconnects {
		return ErrConnectionLost
	}
	s.reconnects++

	ctx, cancel := context.WithTimeout(context.Background(), s.target.Timeout)
	defer cancel()

	conn, err := dialFTP(ctx, s.target)
	if err != nil {
		return errors.WithContext(ErrConnectionLost, fmt.Sprintf("reconnect: %s", err))
	}

	log.WithFields(log.Fields{
		"address": s.target.Address,
		"attempt": s.reconnects,
	}).Info("Reconnected to device")
	s.conn = conn
	s.state = StateOpen
	return nil
}

func (s *ftpSession) keepAlive(clock clockwork.Clock) {
	defer s.wg.Done()

	ticker := clock.NewTicker(s.target.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
		}

		s.mu.Lock()
		if s.state == StateOpen {
			if err := s.conn.NoOp(); err != nil && isConnectionError(err) {
				s.dropped(err)
			}
		}
		s.mu.Unlock()
	}
}

func isStatus(err error, code int) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code == code
}

// isConnectionError returns whether err means the control connection is
// unusable, as opposed to the server rejecting a single command.
func isConnectionError(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNREFUSED):
		return true
	}
	return isStatus(err, ftp.StatusNotAvailable)
}
