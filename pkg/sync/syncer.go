package sync

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// Phase names a step of a sync run.
type Phase string

// The phases of a sync run, in execution order.
const (
	PhaseList   Phase = "list"
	PhaseDelete Phase = "delete"
	PhaseCreate Phase = "create"
	PhaseUpload Phase = "upload"
)

// Operation is a single remote mutation.
type Operation struct {
	Phase Phase

	// Path is relative to the install root. It's empty when the install
	// root itself is created.
	Path string

	// Size is the number of bytes uploaded, if any.
	Size int64
}

// Observer is notified of a sync run's progress. Calls are made from the
// goroutine running Sync.
type Observer interface {
	Planned(Plan)

	// Applied is called once per operation, after it succeeds or after its
	// final failed attempt.
	Applied(op Operation, err error)
}

// RetryConfig bounds how often a single remote operation is attempted.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. Values below one mean one.
	MaxAttempts int

	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// DefaultRetry is used by the zero Syncer.
var DefaultRetry = RetryConfig{MaxAttempts: 3, Backoff: 500 * time.Millisecond}

// Report summarizes a completed sync run.
type Report struct {
	Created       int
	Uploaded      int
	Deleted       int
	Unchanged     int
	BytesUploaded int64
	Duration      time.Duration
}

// Syncer runs syncs. The zero value uses DefaultRetry, the real clock and the
// standard logger.
type Syncer struct {
	Retry    RetryConfig
	Clock    clockwork.Clock
	Observer Observer
	Log      log.FieldLogger
}

func (s Syncer) withDefaults() Syncer {
	if s.Retry == (RetryConfig{}) {
		s.Retry = DefaultRetry
	}
	if s.Retry.MaxAttempts < 1 {
		s.Retry.MaxAttempts = 1
	}
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	if s.Observer == nil {
		s.Observer = nopObserver{}
	}
	if s.Log == nil {
		s.Log = log.StandardLogger()
	}
	return s
}

// Plan lists the device and computes the operations a Sync would apply,
// without modifying anything.
func (s Syncer) Plan(ctx context.Context, session device.Session, root string,
	tree vpk.Tree) (Plan, error) {
	s = s.withDefaults()
	root = path.Clean(root)

	list := func(dir string) ([]device.Entry, error) {
		var entries []device.Entry
		rel := relativeTo(root, dir)
		err := s.attempt(ctx, Operation{Phase: PhaseList, Path: rel}, 0, func() error {
			var err error
			entries, err = session.List(dir)
			return err
		})
		return entries, err
	}

	remote, rootExists, err := walkRemote(root, list)
	if err != nil {
		return Plan{}, err
	}
	return ComputePlan(tree, remote, rootExists), nil
}

// Sync makes the directory `root` on the device match `tree`.
//
// Operations run one at a time, in plan order. Cancelling ctx stops the run
// before the next operation; an upload that's already in flight completes
// first. Any failure is returned as an errors.PartialSyncError.
func (s Syncer) Sync(ctx context.Context, session device.Session, root string,
	tree vpk.Tree) (Report, error) {
	s = s.withDefaults()
	start := s.Clock.Now()

	plan, err := s.Plan(ctx, session, root, tree)
	if err != nil {
		return Report{}, err
	}
	s.Observer.Planned(plan)
	s.Log.WithFields(log.Fields{
		"root":      root,
		"deletes":   len(plan.Deletes),
		"mkdirs":    len(plan.Mkdirs),
		"uploads":   len(plan.Uploads),
		"unchanged": len(plan.Unchanged),
	}).Debug("Computed sync plan")

	report := Report{Unchanged: len(plan.Unchanged)}
	applied := 0
	run := func(op Operation, fn func() error) error {
		err := s.attempt(ctx, op, applied, fn)
		s.Observer.Applied(op, err)
		if err == nil {
			applied++
		}
		return err
	}

	for _, e := range plan.Deletes {
		e := e
		err := run(Operation{Phase: PhaseDelete, Path: e.Path}, func() error {
			err := session.Delete(path.Join(root, e.Path), e.Kind)
			if device.IsNotExist(err) {
				s.Log.WithField("path", e.Path).Debug("Already deleted")
				return nil
			}
			return err
		})
		if err != nil {
			return report, err
		}
		report.Deleted++
	}

	mkdirs := plan.Mkdirs
	if plan.CreateRoot {
		mkdirs = append([]string{""}, mkdirs...)
	}
	for _, dir := range mkdirs {
		dir := dir
		err := run(Operation{Phase: PhaseCreate, Path: dir}, func() error {
			err := session.Mkdir(path.Join(root, dir))
			if device.IsExist(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return report, err
		}
		report.Created++
	}

	for _, e := range plan.Uploads {
		e := e
		err := run(Operation{Phase: PhaseUpload, Path: e.Path, Size: e.Size}, func() error {
			return upload(session, path.Join(root, e.Path), e)
		})
		if err != nil {
			return report, err
		}
		report.Uploaded++
		report.BytesUploaded += e.Size
	}

	report.Duration = s.Clock.Since(start)
	s.Log.WithFields(log.Fields{
		"created":  report.Created,
		"uploaded": report.Uploaded,
		"deleted":  report.Deleted,
		"bytes":    report.BytesUploaded,
		"duration": report.Duration,
	}).Info("Synced package to device")
	return report, nil
}

func upload(session device.Session, dst string, e vpk.Entry) error {
	// Reopen on every attempt so retries start from the first byte.
	r, err := e.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return session.Put(dst, r)
}

// attempt runs fn until it succeeds, the retry budget is spent, or the error
// isn't worth retrying. Failures are returned as a PartialSyncError.
func (s Syncer) attempt(ctx context.Context, op Operation, applied int,
	fn func() error) error {

	fail := func(attempts int, err error) error {
		return errors.PartialSyncError{
			Phase:    string(op.Phase),
			Path:     op.Path,
			Attempts: attempts,
			Applied:  applied,
			Err:      err,
		}
	}

	for attempt := 1; ; attempt++ {
		// Cancellation is only observed between operations.
		if err := ctx.Err(); err != nil {
			return fail(attempt-1, err)
		}

		err := fn()
		switch {
		case err == nil:
			return nil
		case op.Phase == PhaseList && device.IsNotExist(err):
			return err
		}

		ioErr := errors.TransientIOError{Op: string(op.Phase), Path: op.Path, Err: err}
		if !retryable(err) || attempt >= s.Retry.MaxAttempts {
			return fail(attempt, ioErr)
		}

		s.Log.WithError(err).WithFields(log.Fields{
			"phase":   op.Phase,
			"path":    op.Path,
			"attempt": attempt,
		}).Warn("Remote operation failed, retrying")

		if s.Retry.Backoff > 0 {
			select {
			case <-ctx.Done():
				return fail(attempt, ioErr)
			case <-s.Clock.After(s.Retry.Backoff):
			}
		}
	}
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, device.ErrSessionClosed)
}

func relativeTo(root, p string) string {
	if p == root {
		return ""
	}
	return strings.TrimPrefix(p, strings.TrimSuffix(root, "/")+"/")
}

type nopObserver struct{}

func (nopObserver) Planned(Plan) {}
func (nopObserver) Applied(Operation, error) {}
