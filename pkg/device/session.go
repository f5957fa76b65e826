// Package device owns the connection to the remote filesystem service on the
// Vita. The rest of vitadeploy only sees the Session capability interface,
// so the synchronizer can be driven by an in-memory device in tests.
package device

import (
	"context"
	"io"
	"time"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// Kind distinguishes files from directories on the device.
type Kind int

const (
	// KindFile is a regular file.
	KindFile Kind = iota
	// KindDir is a directory.
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is a single child returned by Session.List.
type Entry struct {
	Name string
	Size int64
	Kind Kind
}

// State is the lifecycle state of a Session.
type State int

const (
	// StateOpen sessions accept operations.
	StateOpen State = iota
	// StateDropped sessions lost their connection unexpectedly. They may
	// reconnect on the next operation.
	StateDropped
	// StateClosed sessions were closed deliberately and reject operations.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDropped:
		return "dropped"
	default:
		return "closed"
	}
}

var (
	// ErrNotExist is returned when a remote path doesn't exist.
	ErrNotExist = errors.New("no such file or directory")

	// ErrExist is returned by Mkdir when the directory already exists.
	ErrExist = errors.New("already exists")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrConnectionLost is returned when the connection dropped and couldn't
	// be reestablished.
	ErrConnectionLost = errors.New("connection to device lost")
)

// Session is one live connection to the device's remote filesystem. Paths
// are absolute device paths such as `ux0:/app/RUST00001/eboot.bin`.
//
// A Session is owned by a single caller and isn't safe for concurrent
// operations.
type Session interface {
	// List returns the children of dir. It returns ErrNotExist if dir
	// doesn't exist.
	List(dir string) ([]Entry, error)

	// Mkdir creates a single directory. It returns ErrExist if the directory
	// already exists.
	Mkdir(dir string) error

	// Put uploads the contents of r to path, replacing any existing file.
	Put(path string, r io.Reader) error

	// Delete removes a file or an empty directory.
	Delete(path string, kind Kind) error

	// State reports whether the session is open, dropped, or closed.
	State() State

	// Close ends the session. Closing a closed session is a no-op.
	Close() error
}

// Credentials authenticate against the device's FTP service. The service
// runs in a developer-unlocked mode, so these aren't a security boundary.
type Credentials struct {
	User     string
	Password string
}

// DefaultCredentials are accepted by the companion plugin's FTP server.
var DefaultCredentials = Credentials{User: "anonymous", Password: "anonymous"}

// Target describes how to reach the device.
type Target struct {
	// Address is the host:port of the FTP service.
	Address     string
	Credentials Credentials

	// Timeout bounds connection establishment and each network read/write.
	Timeout time.Duration

	// KeepAlive is the interval between NOOPs sent while the session is
	// idle. Zero disables keep-alives.
	KeepAlive time.Duration

	// MaxReconnects is how many times a dropped session may reconnect
	// before giving up.
	MaxReconnects int
}

// DefaultTimeout is used when Target.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// IsNotExist returns whether err reports a missing remote path.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist returns whether err reports an already existing remote path.
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}
