package healthcheck

import (
	"fmt"
	"strings"

	"github.com/logrusorgru/aurora"

	"github.com/testground/faultline/pkg/logging"
)

// Status is the outcome of a check or a fix.
type Status string

var (
	// StatusOK indicates success in a healthcheck or a repair.
	StatusOK = Status("ok")
	// StatusFailed indicates the outcome of a healthcheck or an attempted fix
	// was negative.
	StatusFailed = Status("failed")
	// StatusAborted indicates an internal error during the execution of a
	// healthcheck or a fix.
	StatusAborted = Status("aborted")
	// StatusOmitted indicates that a healthcheck or a fix was not carried out.
	StatusOmitted = Status("omitted")
)

// Item is an entry of a Report.
type Item struct {
	Name    string
	Status  Status
	Message string
}

type Report struct {
	// Checks enumerates the outcomes of the health checks.
	Checks []Item
	// Fixes enumerates the outcomes of the fixes applied during repair, if a
	// repair was requested.
	Fixes []Item
}

// ChecksSucceeded returns whether all checks succeeded.
func (r *Report) ChecksSucceeded() bool {
	for _, c := range r.Checks {
		if c.Status != StatusOK {
			return false
		}
	}
	return true
}

// FixesSucceeded returns whether every attempted fix succeeded.
func (r *Report) FixesSucceeded() bool {
	for _, f := range r.Fixes {
		if f.Status != StatusOK && f.Status != StatusOmitted {
			return false
		}
	}
	return true
}

func (r *Report) String() string {
	au := aurora.NewAurora(logging.IsTerminal())

	var b strings.Builder
	write := func(title string, items []Item) {
		b.WriteString(title + ":\n")
		for _, it := range items {
			var status aurora.Value
			switch it.Status {
			case StatusOK:
				status = au.Green(it.Status)
			case StatusOmitted:
				status = au.Gray(12, it.Status)
			default:
				status = au.Red(it.Status)
			}
			fmt.Fprintf(&b, "- %s: %s; %s\n", au.Bold(it.Name), status, it.Message)
		}
	}
	write("Checks", r.Checks)
	if len(r.Fixes) > 0 {
		write("Fixes", r.Fixes)
	}
	return b.String()
}
