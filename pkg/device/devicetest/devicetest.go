// Package devicetest provides an in-memory device for testing code that
// talks to a device.Session.
package devicetest

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
)

// OpKind names a Session operation.
type OpKind string

// The operations recorded by the device.
const (
	OpList   OpKind = "list"
	OpMkdir  OpKind = "mkdir"
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
)

// Op is a single attempted operation. Err is nil if it was applied.
type Op struct {
	Kind OpKind
	Path string
	Err  error
}

// FaultFunc is consulted before every operation. A non-nil error fails the
// operation without applying it.
type FaultFunc func(s *Session, op Op) error

type node struct {
	dir  bool
	data []byte
}

// Device is an in-memory remote filesystem that outlives the sessions
// connected to it. Like the real device, it serves one client at a time.
type Device struct {
	// Address is reported in errors.
	Address string

	// DialErr, if set, is returned by Open.
	DialErr error

	// Fault injects failures. See DropOn.
	Fault FaultFunc

	mu        sync.Mutex
	nodes     map[string]*node
	ops       []Op
	connected bool
	opened    int
}

// NewDevice returns a device whose filesystem contains `dirs` and their
// ancestors.
func NewDevice(dirs ...string) *Device {
	d := &Device{Address: "devicetest:1337", nodes: map[string]*node{}}
	for _, dir := range dirs {
		d.mkdirAll(dir)
	}
	return d
}

// Open implements device.Dialer.
func (d *Device) Open(_ context.Context, target device.Target) (device.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.connected {
		return nil, errors.ConnectivityError{
			Address: d.Address,
			Err:     errors.New("device already has a client"),
		}
	}

	d.connected = true
	d.opened++
	return &Session{dev: d, state: device.StateOpen}, nil
}

// Sessions returns how many sessions were opened.
func (d *Device) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// WriteFile creates the file and any missing parents.
func (d *Device) WriteFile(p string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mkdirAll(path.Dir(p))
	d.nodes[p] = &node{data: append([]byte(nil), data...)}
}

// MkdirAll creates the directory and any missing parents.
func (d *Device) MkdirAll(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mkdirAll(dir)
}

func (d *Device) mkdirAll(dir string) {
	for p := dir; p != "." && p != "/" && p != ""; p = path.Dir(p) {
		if _, ok := d.nodes[p]; !ok {
			d.nodes[p] = &node{dir: true}
		}
	}
}

// ReadFile returns the contents of a file.
func (d *Device) ReadFile(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[p]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Files returns the size of every file below root, keyed by path relative to
// root.
func (d *Device) Files(root string) map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	files := map[string]int64{}
	for p, n := range d.nodes {
		if rel, ok := relative(root, p); ok && !n.dir {
			files[rel] = int64(len(n.data))
		}
	}
	return files
}

// Dirs returns every directory below root, relative to root, sorted.
func (d *Device) Dirs(root string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dirs []string
	for p, n := range d.nodes {
		if rel, ok := relative(root, p); ok && n.dir {
			dirs = append(dirs, rel)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// Exists returns whether anything exists at p.
func (d *Device) Exists(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[p]
	return ok
}

// Ops returns every attempted operation in order.
func (d *Device) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

// Applied returns the operations that succeeded, in order.
func (d *Device) Applied() []Op {
	var applied []Op
	for _, op := range d.Ops() {
		if op.Err == nil {
			applied = append(applied, op)
		}
	}
	return applied
}

// ResetOps clears the operation log.
func (d *Device) ResetOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

func relative(root, p string) (string, bool) {
	if !strings.HasPrefix(p, root+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, root+"/"), true
}

// DropOn returns a FaultFunc that drops the connection when the n'th (1
// based) operation of `kind` is attempted. The session stays dropped.
func DropOn(kind OpKind, n int) FaultFunc {
	var seen int
	return func(s *Session, op Op) error {
		if op.Kind != kind {
			return nil
		}
		seen++
		if seen == n {
			s.Drop()
			return io.ErrUnexpectedEOF
		}
		return nil
	}
}

// FailOn returns a FaultFunc that fails operations on `p` `times` times
// before letting them through.
func FailOn(kind OpKind, p string, times int, err error) FaultFunc {
	var failed int
	return func(_ *Session, op Op) error {
		if op.Kind == kind && op.Path == p && failed < times {
			failed++
			return err
		}
		return nil
	}
}

// Session is a connection to a Device.
type Session struct {
	dev   *Device
	state device.State
}

// Drop simulates the device going away mid-session.
func (s *Session) Drop() {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dropLocked()
}

func (s *Session) dropLocked() {
	if s.state == device.StateOpen {
		s.state = device.StateDropped
		s.dev.connected = false
	}
}

// State implements device.Session.
func (s *Session) State() device.State {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.state
}

// Close implements device.Session.
func (s *Session) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	if s.state == device.StateOpen {
		s.dev.connected = false
	}
	s.state = device.StateClosed
	return nil
}

// begin records the attempt and runs the fault hook. It must be called with
// the device lock held, and returns with it held.
func (s *Session) begin(op Op) (*Op, error) {
	var err error
	switch s.state {
	case device.StateClosed:
		err = device.ErrSessionClosed
	case device.StateDropped:
		err = device.ErrConnectionLost
	}

	if err == nil && s.dev.Fault != nil {
		// The hook may call Drop, which takes the lock.
		s.dev.mu.Unlock()
		err = s.dev.Fault(s, op)
		s.dev.mu.Lock()
	}

	s.dev.ops = append(s.dev.ops, op)
	recorded := &s.dev.ops[len(s.dev.ops)-1]
	recorded.Err = err
	return recorded, err
}

// List implements device.Session.
func (s *Session) List(dir string) ([]device.Entry, error) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	op, err := s.begin(Op{Kind: OpList, Path: dir})
	if err != nil {
		return nil, err
	}

	n, ok := s.dev.nodes[dir]
	if !ok {
		op.Err = device.ErrNotExist
		return nil, op.Err
	}
	if !n.dir {
		op.Err = errors.New("%s is not a directory", dir)
		return nil, op.Err
	}

	var entries []device.Entry
	for p, child := range s.dev.nodes {
		if path.Dir(p) != dir || p == dir {
			continue
		}
		e := device.Entry{Name: path.Base(p), Kind: device.KindFile, Size: int64(len(child.data))}
		if child.dir {
			e.Kind = device.KindDir
			e.Size = 0
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Mkdir implements device.Session.
func (s *Session) Mkdir(dir string) error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	op, err := s.begin(Op{Kind: OpMkdir, Path: dir})
	if err != nil {
		return err
	}

	if _, ok := s.dev.nodes[dir]; ok {
		op.Err = device.ErrExist
		return op.Err
	}
	if parent, ok := s.dev.nodes[path.Dir(dir)]; !ok || !parent.dir {
		op.Err = errors.WithContext(device.ErrNotExist, "parent of "+dir)
		return op.Err
	}
	s.dev.nodes[dir] = &node{dir: true}
	return nil
}

// Put implements device.Session.
func (s *Session) Put(p string, r io.Reader) error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	op, err := s.begin(Op{Kind: OpPut, Path: p})
	if err != nil {
		return err
	}

	if parent, ok := s.dev.nodes[path.Dir(p)]; !ok || !parent.dir {
		op.Err = errors.WithContext(device.ErrNotExist, "parent of "+p)
		return op.Err
	}
	if existing, ok := s.dev.nodes[p]; ok && existing.dir {
		op.Err = errors.New("%s is a directory", p)
		return op.Err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		op.Err = err
		return err
	}
	s.dev.nodes[p] = &node{data: data}
	return nil
}

// Delete implements device.Session.
func (s *Session) Delete(p string, kind device.Kind) error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	op, err := s.begin(Op{Kind: OpDelete, Path: p})
	if err != nil {
		return err
	}

	n, ok := s.dev.nodes[p]
	if !ok {
		op.Err = device.ErrNotExist
		return op.Err
	}
	if n.dir != (kind == device.KindDir) {
		op.Err = errors.New("%s is not a %s", p, kind)
		return op.Err
	}
	if n.dir {
		for other := range s.dev.nodes {
			if strings.HasPrefix(other, p+"/") {
				op.Err = errors.New("%s: directory not empty", p)
				return op.Err
			}
		}
	}
	delete(s.dev.nodes, p)
	return nil
}
