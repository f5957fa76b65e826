package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

// fakeFTP speaks just enough FTP for the client library: passive (EPSV)
// data connections, ls style listings, and the handful of commands a
// session uses.
type fakeFTP struct {
	lis net.Listener

	mu       sync.Mutex
	password string
	dirs     map[string]bool
	files    map[string][]byte
	commands []string
	logins   int

	// dropOn closes the control connection the first time this command is
	// received.
	dropOn string
}

func newFakeFTP(t *testing.T, dirs ...string) *fakeFTP {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeFTP{
		lis:      lis,
		password: "anonymous",
		dirs:     map[string]bool{},
		files:    map[string][]byte{},
	}
	for _, dir := range dirs {
		f.dirs[dir] = true
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeFTP) target() Target {
	return Target{Address: f.lis.Addr().String(), Timeout: 5 * time.Second}
}

func (f *fakeFTP) sawCommand(verb string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if strings.HasPrefix(cmd, verb) {
			return true
		}
	}
	return false
}

func (f *fakeFTP) serve(conn net.Conn) {
	tp := textproto.NewConn(conn)
	defer tp.Close()

	var data net.Listener
	defer func() {
		if data != nil {
			data.Close()
		}
	}()

	// acceptData returns the client's data connection for this command.
	acceptData := func() (net.Conn, error) {
		if data == nil {
			return nil, errors.New("no EPSV")
		}
		defer func() {
			data.Close()
			data = nil
		}()
		return data.Accept()
	}

	reply := func(format string, args ...interface{}) {
		tp.PrintfLine(format, args...)
	}

	reply("220 fake vitacompanion")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg := line, ""
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb, arg = line[:i], line[i+1:]
		}

		f.mu.Lock()
		f.commands = append(f.commands, line)
		drop := f.dropOn != "" && verb == f.dropOn
		if drop {
			f.dropOn = ""
		}
		f.mu.Unlock()
		if drop {
			return
		}

		switch verb {
		case "USER":
			reply("331 password required")
		case "PASS":
			f.mu.Lock()
			ok := arg == f.password
			if ok {
				f.logins++
			}
			f.mu.Unlock()
			if ok {
				reply("230 logged in")
			} else {
				reply("530 login incorrect")
			}
		case "TYPE":
			reply("200 type set")
		case "NOOP":
			reply("200 ok")
		case "EPSV":
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 can't open data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)",
				data.Addr().(*net.TCPAddr).Port)
		case "LIST":
			dc, err := acceptData()
			if err != nil {
				reply("425 %s", err)
				continue
			}
			listing, ok := f.list(arg)
			if !ok {
				dc.Close()
				reply("550 no such directory")
				continue
			}
			reply("150 here comes the listing")
			io.WriteString(dc, listing)
			dc.Close()
			reply("226 done")
		case "STOR":
			dc, err := acceptData()
			if err != nil {
				reply("425 %s", err)
				continue
			}
			if !f.isDir(path.Dir(arg)) {
				dc.Close()
				reply("550 no such directory")
				continue
			}
			reply("150 send it")
			contents, _ := io.ReadAll(dc)
			dc.Close()
			f.mu.Lock()
			f.files[arg] = contents
			f.mu.Unlock()
			reply("226 stored")
		case "MKD":
			f.mu.Lock()
			_, isFile := f.files[arg]
			ok := !f.dirs[arg] && !isFile && f.dirs[path.Dir(arg)]
			if ok {
				f.dirs[arg] = true
			}
			f.mu.Unlock()
			if ok {
				reply("257 \"%s\" created", arg)
			} else {
				reply("550 can't create directory")
			}
		case "DELE":
			f.mu.Lock()
			_, ok := f.files[arg]
			delete(f.files, arg)
			f.mu.Unlock()
			if ok {
				reply("250 deleted")
			} else {
				reply("550 no such file")
			}
		case "RMD":
			f.mu.Lock()
			ok := f.dirs[arg]
			empty := f.isEmptyLocked(arg)
			if ok && empty {
				delete(f.dirs, arg)
			}
			f.mu.Unlock()
			switch {
			case !ok:
				reply("550 no such directory")
			case !empty:
				reply("550 directory not empty")
			default:
				reply("250 removed")
			}
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (f *fakeFTP) isDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[p]
}

func (f *fakeFTP) isEmptyLocked(dir string) bool {
	for d := range f.dirs {
		if path.Dir(d) == dir && d != dir {
			return false
		}
	}
	for p := range f.files {
		if path.Dir(p) == dir {
			return false
		}
	}
	return true
}

func (f *fakeFTP) list(dir string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirs[dir] {
		return "", false
	}

	var listing bytes.Buffer
	for d := range f.dirs {
		if path.Dir(d) == dir && d != dir {
			fmt.Fprintf(&listing, "drwxr-xr-x 1 vita vita 0 Jan  1 12:00 %s\r\n", path.Base(d))
		}
	}
	for p, contents := range f.files {
		if path.Dir(p) == dir {
			fmt.Fprintf(&listing, "-rw-r--r-- 1 vita vita %d Jan  1 12:00 %s\r\n",
				len(contents), path.Base(p))
		}
	}
	return listing.String(), true
}

func TestFTPSession(t *testing.T) {
	server := newFakeFTP(t, "ux0:", "ux0:/app")
	session, err := FTPDialer{}.Open(context.Background(), server.target())
	require.NoError(t, err)
	defer session.Close()

	root := "ux0:/app/RUST00001"
	assert.True(t, IsNotExist(errorOf(session.List(root))))

	require.NoError(t, session.Mkdir(root))
	assert.True(t, IsExist(session.Mkdir(root)))
	require.NoError(t, session.Mkdir(root+"/sce_sys"))
	require.NoError(t, session.Put(root+"/eboot.bin", strings.NewReader("self")))

	entries, err := session.List(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entry{
		{Name: "sce_sys", Kind: KindDir},
		{Name: "eboot.bin", Size: 4, Kind: KindFile},
	}, entries)

	require.NoError(t, session.Delete(root+"/eboot.bin", KindFile))
	assert.True(t, IsNotExist(session.Delete(root+"/eboot.bin", KindFile)))
	require.NoError(t, session.Delete(root+"/sce_sys", KindDir))
	assert.Equal(t, StateOpen, session.State())

	require.NoError(t, session.Close())
	assert.Equal(t, StateClosed, session.State())
	assert.NoError(t, session.Close())
	assert.Equal(t, ErrSessionClosed, errorOf(session.List(root)))
}

func TestFTPDeleteRefused(t *testing.T) {
	server := newFakeFTP(t, "ux0:", "ux0:/app", "ux0:/app/RUST00001",
		"ux0:/app/RUST00001/old")
	server.files["ux0:/app/RUST00001/old/hidden"] = []byte("stale")

	session, err := FTPDialer{}.Open(context.Background(), server.target())
	require.NoError(t, err)
	defer session.Close()

	err = session.Delete("ux0:/app/RUST00001/old", KindDir)
	assert.Error(t, err)
	assert.False(t, IsNotExist(err))
	assert.True(t, server.isDir("ux0:/app/RUST00001/old"))
	assert.Equal(t, StateOpen, session.State())

	// A path that's really gone, even with its parent, is ErrNotExist.
	assert.True(t, IsNotExist(session.Delete("ux0:/app/RUST00001/missing", KindDir)))
	assert.True(t, IsNotExist(session.Delete("ux0:/app/GONE00001/eboot.bin", KindFile)))

	require.NoError(t, session.Delete("ux0:/app/RUST00001/old/hidden", KindFile))
	require.NoError(t, session.Delete("ux0:/app/RUST00001/old", KindDir))
	assert.False(t, server.isDir("ux0:/app/RUST00001/old"))
}

func errorOf(_ []Entry, err error) error {
	return err
}

func TestFTPConnectionRefused(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	_, err = FTPDialer{}.Open(context.Background(), Target{Address: addr, Timeout: time.Second})
	var connErr errors.ConnectivityError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, addr, connErr.Address)
}

func TestFTPAuthenticationRejected(t *testing.T) {
	server := newFakeFTP(t)
	server.password = "secret"

	_, err := FTPDialer{}.Open(context.Background(), server.target())
	var authErr errors.AuthenticationError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, "anonymous", authErr.User)

	var connErr errors.ConnectivityError
	assert.False(t, errors.As(err, &connErr))
}

func TestFTPReconnectsAfterDrop(t *testing.T) {
	server := newFakeFTP(t, "ux0:", "ux0:/data")
	server.dropOn = "STOR"

	target := server.target()
	target.MaxReconnects = 1
	session, err := FTPDialer{}.Open(context.Background(), target)
	require.NoError(t, err)
	defer session.Close()

	err = session.Put("ux0:/data/a.bin", strings.NewReader("a"))
	assert.True(t, errors.Is(err, ErrConnectionLost), "got %v", err)
	assert.Equal(t, StateDropped, session.State())

	require.NoError(t, session.Put("ux0:/data/a.bin", strings.NewReader("a")))
	assert.Equal(t, StateOpen, session.State())

	server.mu.Lock()
	assert.Equal(t, 2, server.logins)
	assert.Equal(t, []byte("a"), server.files["ux0:/data/a.bin"])
	server.dropOn = "STOR"
	server.mu.Unlock()

	// The reconnect budget is spent.
	assert.Error(t, session.Put("ux0:/data/b.bin", strings.NewReader("b")))
	assert.True(t, errors.Is(errorOf(session.List("ux0:/data")), ErrConnectionLost))
}

func TestFTPKeepAlive(t *testing.T) {
	server := newFakeFTP(t, "ux0:")
	clock := clockwork.NewFakeClock()

	target := server.target()
	target.KeepAlive = time.Minute
	session, err := FTPDialer{Clock: clock}.Open(context.Background(), target)
	require.NoError(t, err)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return server.sawCommand("NOOP") },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, session.Close())
}
