// Package healthcheck checks, and optionally fixes, the preconditions of a
// soak run: local directories, the storage backend and the cluster.
package healthcheck

import (
	"context"
)

// Checker is a function that checks whether a precondition is met. It returns
// whether the check succeeded, an optional message to present to the user, and
// error in case the check logic itself failed.
//
//   (true, *, nil) => StatusOK
//   (false, *, nil) => StatusFailed
//   (false, *, not-nil) => StatusAborted
type Checker func(ctx context.Context) (ok bool, msg string, err error)

// Fixer is a function that will be called to attempt to fix a failing check. It
// returns an optional message to present to the user, and error in case the fix
// failed.
type Fixer func(ctx context.Context) (msg string, err error)

type item struct {
	Name    string
	Checker Checker
	Fixer   Fixer
}

// Helper runs each check and fix sequentially, in the order they are
// Enlist()'ed.
type Helper struct {
	items []*item
}

// Enlist registers a check. f may be nil if the check cannot be fixed.
func (h *Helper) Enlist(name string, c Checker, f Fixer) {
	h.items = append(h.items, &item{name, c, f})
}

func (h *Helper) RunChecks(ctx context.Context, fix bool) *Report {
	report := new(Report)
	for _, li := range h.items {
		if ctx.Err() != nil {
			report.Checks = append(report.Checks, Item{Name: li.Name, Status: StatusOmitted, Message: "cancelled."})
			continue
		}

		check := Item{Name: li.Name}

		ok, msg, err := li.Checker(ctx)
		check.Message = msg
		switch {
		case err != nil:
			check.Status = StatusAborted
			check.Message = msg + " " + err.Error()
			report.Checks = append(report.Checks, check)

		case ok:
			check.Status = StatusOK
			report.Checks = append(report.Checks, check)

		default:
			// Checker failed. We will attempt a fix action.
			check.Status = StatusFailed
			report.Checks = append(report.Checks, check)

			if !fix {
				break
			}
			if li.Fixer == nil {
				report.Fixes = append(report.Fixes, Item{Name: li.Name, Status: StatusOmitted, Message: "no fix available."})
				break
			}

			// The fix might result in a failure, or a successful recovery.
			f := Item{Name: li.Name}
			if msg, err := li.Fixer(ctx); err != nil {
				f.Status, f.Message = StatusFailed, msg+" "+err.Error()
			} else {
				f.Status, f.Message = StatusOK, msg
			}
			report.Fixes = append(report.Fixes, f)
		}
	}
	return report
}
