package report

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/keel-cm/keel/pkg/resource"
)

// Reporter receives live progress events while a run executes. The final
// StateReport is the authoritative record; reporters are presentation only.
type Reporter interface {
	// Info logs general informational messages to the user
	Info(msg string)

	// Warn logs warnings about recoverable issues
	Warn(msg string)

	// Reading reports the start of a resource read
	Reading(id string)

	// Converged reports a resource that already matches its desired state
	Converged(id string)

	// Pending reports the change set a resource needs (or, in a dry run,
	// would need)
	Pending(id string, changes resource.ChangeSet)

	// Applying reports the start of a resource apply
	Applying(id string)

	// Applied reports a successful apply
	Applied(id string)

	// Skipped reports a resource that was never attempted
	Skipped(id, reason string)

	// Failed reports a failure
	Failed(id string, err error)
}

func timestamp() string {
	return time.Now().Format(time.TimeOnly)
}

// Plain writes uncolored single-line events to an io.Writer.
type Plain struct {
	W io.Writer
}

func (r Plain) Info(msg string)  { fmt.Fprintf(r.W, "%s info: %s\n", timestamp(), msg) }
func (r Plain) Warn(msg string)  { fmt.Fprintf(r.W, "%s warning: %s\n", timestamp(), msg) }
func (r Plain) Reading(id string) { fmt.Fprintf(r.W, "%s reading: %s\n", timestamp(), id) }
func (r Plain) Converged(id string) {
	fmt.Fprintf(r.W, "%s converged: %s\n", timestamp(), id)
}
func (r Plain) Pending(id string, changes resource.ChangeSet) {
	fmt.Fprintf(r.W, "%s pending: %s\n", timestamp(), id)
	for _, op := range changes {
		fmt.Fprintf(r.W, "    - %s\n", op)
	}
}
func (r Plain) Applying(id string) { fmt.Fprintf(r.W, "%s applying: %s\n", timestamp(), id) }
func (r Plain) Applied(id string)  { fmt.Fprintf(r.W, "%s applied: %s\n", timestamp(), id) }
func (r Plain) Skipped(id, reason string) {
	fmt.Fprintf(r.W, "%s skipped: %s (%s)\n", timestamp(), id, reason)
}
func (r Plain) Failed(id string, err error) {
	fmt.Fprintf(r.W, "%s failed: %s: %v\n", timestamp(), id, err)
}

// Color writes the same events with terminal colors.
type Color struct {
	W io.Writer
}

var (
	cInfo      = color.New(color.FgCyan)
	cWarn      = color.New(color.FgYellow)
	cConverged = color.New(color.FgGreen)
	cPending   = color.New(color.FgYellow, color.Bold)
	cApplied   = color.New(color.FgGreen, color.Bold)
	cSkipped   = color.New(color.FgHiBlack)
	cFailed    = color.New(color.FgRed, color.Bold)
	cAdd       = color.New(color.FgGreen)
	cDel       = color.New(color.FgRed)
)

func (r Color) Info(msg string) { cInfo.Fprintf(r.W, "%s info: %s\n", timestamp(), msg) }
func (r Color) Warn(msg string) { cWarn.Fprintf(r.W, "%s warning: %s\n", timestamp(), msg) }
func (r Color) Reading(id string) {
	fmt.Fprintf(r.W, "%s reading: %s\n", timestamp(), id)
}
func (r Color) Converged(id string) {
	cConverged.Fprintf(r.W, "%s converged: %s\n", timestamp(), id)
}
func (r Color) Pending(id string, changes resource.ChangeSet) {
	cPending.Fprintf(r.W, "%s pending: %s\n", timestamp(), id)
	for _, op := range changes {
		from, to := op.From, op.To
		if op.Sensitive {
			from, to = "(sensitive)", "(sensitive)"
		}
		cDel.Fprintf(r.W, "    - %s: %q\n", op.Attribute, from)
		cAdd.Fprintf(r.W, "    + %s: %q\n", op.Attribute, to)
	}
}
func (r Color) Applying(id string) {
	fmt.Fprintf(r.W, "%s applying: %s\n", timestamp(), id)
}
func (r Color) Applied(id string) {
	cApplied.Fprintf(r.W, "%s applied: %s\n", timestamp(), id)
}
func (r Color) Skipped(id, reason string) {
	cSkipped.Fprintf(r.W, "%s skipped: %s (%s)\n", timestamp(), id, reason)
}
func (r Color) Failed(id string, err error) {
	cFailed.Fprintf(r.W, "%s failed: %s: %v\n", timestamp(), id, err)
}

// Nil discards all events.
type Nil struct{}

func (Nil) Info(msg string)                                {}
func (Nil) Warn(msg string)                                {}
func (Nil) Reading(id string)                              {}
func (Nil) Converged(id string)                            {}
func (Nil) Pending(id string, changes resource.ChangeSet)  {}
func (Nil) Applying(id string)                             {}
func (Nil) Applied(id string)                              {}
func (Nil) Skipped(id, reason string)                      {}
func (Nil) Failed(id string, err error)                    {}
