package deploy

import (
	"fmt"
	"io"
	"time"

	"github.com/buger/goterm"
	"github.com/schollz/progressbar/v3"

	"github.com/sidkik/vitadeploy/pkg/deploy"
	"github.com/sidkik/vitadeploy/pkg/sync"
)

// progressObserver renders upload progress in bytes.
type progressObserver struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newProgressObserver(out io.Writer) *progressObserver {
	return &progressObserver{out: out}
}

func (p *progressObserver) Planned(plan sync.Plan) {
	if plan.Empty() {
		fmt.Fprintln(p.out, "Device is already up to date.")
		return
	}
	if plan.UploadSize() == 0 {
		fmt.Fprintf(p.out, "Syncing %d changes\n", plan.Len())
		return
	}

	p.bar = progressbar.NewOptions64(
		plan.UploadSize(),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(fmt.Sprintf("Syncing %d changes", plan.Len())),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}

func (p *progressObserver) Applied(op sync.Operation, err error) {
	if p.bar == nil || err != nil || op.Phase != sync.PhaseUpload {
		return
	}
	p.bar.Add64(op.Size)
}

// Finish completes the bar, if one was started. It's safe to call after a
// failed sync.
func (p *progressObserver) Finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

// summarize describes the outcome of a deployment for the terminal.
func summarize(res deploy.Result, dryRun bool) string {
	switch {
	case res.State == deploy.StateFailed:
		return goterm.Color("Deployment failed.", goterm.RED)
	case dryRun:
		plan := res.Plan
		return goterm.Color(fmt.Sprintf(
			"Dry run: would delete %d, create %d, upload %d (%d bytes), keep %d.",
			len(plan.Deletes), len(plan.Mkdirs)+boolToInt(plan.CreateRoot),
			len(plan.Uploads), plan.UploadSize(), len(plan.Unchanged)), goterm.YELLOW)
	}

	report := res.Report
	msg := fmt.Sprintf("Deployed in %s: %d uploaded (%d bytes), %d deleted, %d unchanged.",
		res.Duration.Round(time.Millisecond), report.Uploaded, report.BytesUploaded,
		report.Deleted, report.Unchanged)
	if res.LaunchWarning != nil {
		return goterm.Color(msg, goterm.YELLOW) + "\n" +
			goterm.Color(fmt.Sprintf("The application was not relaunched: %s", res.LaunchWarning),
				goterm.YELLOW)
	}
	return goterm.Color(msg, goterm.GREEN)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
