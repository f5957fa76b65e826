// Package deploy runs a deployment end to end: it packages the build,
// mirrors the package onto the device, and relaunches the application.
package deploy

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/vitadeploy/pkg/device"
	"github.com/sidkik/vitadeploy/pkg/errors"
	"github.com/sidkik/vitadeploy/pkg/launch"
	"github.com/sidkik/vitadeploy/pkg/sync"
	"github.com/sidkik/vitadeploy/pkg/vpk"
)

// Request describes one deployment.
type Request struct {
	// Executable is the signed eboot produced by the build.
	Executable string

	// AssetDir is mirrored into the package. Empty means no assets.
	AssetDir string

	Descriptor vpk.Descriptor
	Package    []vpk.Option
	Target     device.Target

	// SkipLaunch stops after the sync.
	SkipLaunch bool

	// DryRun computes the sync plan without modifying the device, and
	// doesn't launch.
	DryRun bool
}

// Result describes how far a deployment got.
type Result struct {
	// State is the final state: StateDone or StateFailed.
	State string

	// Files and Bytes describe the assembled package.
	Files int
	Bytes int64

	// Plan is only set for dry runs.
	Plan sync.Plan

	Report sync.Report

	// LaunchWarning is set when the package was installed but the relaunch
	// failed. The deployment still counts as done.
	LaunchWarning error

	// Err is the error returned by Deploy.
	Err error

	Duration time.Duration
}

// Deployer runs deployments. Dialer is required. A nil Launcher behaves like
// Request.SkipLaunch.
type Deployer struct {
	Dialer   device.Dialer
	Syncer   sync.Syncer
	Launcher launch.Launcher
	Clock    clockwork.Clock
	Log      log.FieldLogger

	// OnTransition, if set, is called on every state change.
	OnTransition TransitionFunc
}

func (d Deployer) withDefaults() Deployer {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = log.StandardLogger()
	}
	return d
}

// Deploy runs `req`. Nothing is retried at this level: a failed stage moves
// the deployment to StateFailed and is returned as an errors.StageError. The
// package is always assembled before the device is contacted, so a bad build
// never touches the network.
func (d Deployer) Deploy(ctx context.Context, req Request) (res Result, err error) {
	d = d.withDefaults()
	start := d.Clock.Now()
	machine := newStateMachine(d.OnTransition)
	defer func() {
		res.State = machine.Current()
		res.Duration = d.Clock.Since(start)
		res.Err = err
	}()

	fail := func(stage string, cause error) error {
		d.fire(machine, eventFail)
		return errors.StageError{Stage: stage, Err: cause}
	}

	d.fire(machine, eventPackage)
	tree, err := vpk.Assemble(req.Executable, req.AssetDir, req.Descriptor, req.Package...)
	if err != nil {
		return res, fail(StagePackaging, err)
	}
	res.Files = tree.Len()
	res.Bytes = tree.Size()
	d.Log.WithFields(log.Fields{
		"titleID": req.Descriptor.TitleID,
		"files":   res.Files,
		"bytes":   res.Bytes,
	}).Debug("Assembled package")

	d.fire(machine, eventSync)
	if err := ctx.Err(); err != nil {
		return res, fail(StageSyncing, err)
	}

	release, err := device.Acquire(req.Target.Address)
	if err != nil {
		return res, fail(StageSyncing, err)
	}
	defer release()

	session, err := d.Dialer.Open(ctx, req.Target)
	if err != nil {
		return res, fail(StageSyncing, err)
	}
	closeSession := d.closer(session)
	defer closeSession()

	root := req.Descriptor.InstallPath()
	if req.DryRun {
		res.Plan, err = d.Syncer.Plan(ctx, session, root, tree)
		if err != nil {
			return res, fail(StageSyncing, err)
		}
		d.fire(machine, eventFinish)
		return res, nil
	}

	res.Report, err = d.Syncer.Sync(ctx, session, root, tree)
	if err != nil {
		return res, fail(StageSyncing, err)
	}
	closeSession()

	if req.SkipLaunch || d.Launcher == nil {
		d.fire(machine, eventFinish)
		return res, nil
	}

	d.fire(machine, eventLaunch)
	if err := d.Launcher.Relaunch(ctx, req.Descriptor); err != nil {
		d.Log.WithError(err).WithField("titleID", req.Descriptor.TitleID).
			Warn("Package was installed, but the application could not be relaunched")
		res.LaunchWarning = err
	}
	d.fire(machine, eventFinish)
	return res, nil
}

// The stages reported in errors.StageError.
const (
	StagePackaging = StatePackaging
	StageSyncing   = StateSyncing
)

// fire moves the machine along. Transitions are bookkeeping, so they never
// observe the deployment's context; a cancelled deployment still reaches
// StateFailed.
func (d Deployer) fire(machine *fsm.FSM, event string) {
	if err := machine.Event(context.Background(), event); err != nil {
		d.Log.WithError(err).WithFields(log.Fields{
			"event": event,
			"state": machine.Current(),
		}).Error("Invalid deployment state transition")
	}
}

// closer returns an idempotent function that closes `session`.
func (d Deployer) closer(session device.Session) func() {
	closed := false
	return func() {
		if closed {
			return
		}
		closed = true
		if err := session.Close(); err != nil {
			d.Log.WithError(err).Debug("Failed to close device session")
		}
	}
}
