// Package windows tracks developmental windows per subject. Status is derived
// from the subject's age and a persisted high-water mark, so a window never
// moves backwards once it has closed or been missed.
package windows

import (
	"sort"
	"time"

	"equinecore/pkg/domain"
)

// Source lists window definitions. *catalog.Catalog satisfies it.
type Source interface {
	AllWindows() []domain.WindowDefinition
}

// Tracker evaluates window status for subjects.
type Tracker struct {
	windows []domain.WindowDefinition
}

// NewTracker snapshots the window definitions from src.
func NewTracker(src Source) *Tracker {
	defs := src.AllWindows()
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].StartDay != defs[j].StartDay {
			return defs[i].StartDay < defs[j].StartDay
		}
		return defs[i].Name < defs[j].Name
	})
	return &Tracker{windows: defs}
}

// Observe advances the observation with the subject's current age and reports
// every window's status. The returned observation must be persisted by the
// caller for closed/missed distinctions to hold across calls.
func (t *Tracker) Observe(obs domain.WindowObservation, subject domain.Subject, now time.Time) (domain.WindowObservation, domain.WindowReport) {
	next := obs.Clone()
	next.SubjectID = subject.ID
	if subject.AgeDays > next.HighWaterAge {
		next.HighWaterAge = subject.AgeDays
	}
	next.UpdatedAt = now.UTC()
	age := next.HighWaterAge

	report := domain.WindowReport{SubjectID: subject.ID, EffectiveAge: age}
	for _, w := range t.windows {
		state := domain.WindowState{Window: w}
		switch {
		case age < w.StartDay:
			state.Status = domain.WindowUpcoming
			report.Upcoming = append(report.Upcoming, state)
		case age < w.EndDay:
			state.Status = domain.WindowActive
			next.MarkObserved(w.Name)
			report.Active = append(report.Active, state)
		case next.Observed(w.Name):
			state.Status = domain.WindowClosed
			report.Closed = append(report.Closed, state)
		default:
			state.Status = domain.WindowMissed
			report.Missed = append(report.Missed, state)
		}
	}
	return next, report
}

// SensitivityFor returns the largest sensitivity among active windows listing
// the trait, or 1.0 when none does.
func SensitivityFor(report domain.WindowReport, trait string) float64 {
	s := 1.0
	for _, st := range report.Active {
		if st.Window.Eligible(trait) && st.Window.Sensitivity > s {
			s = st.Window.Sensitivity
		}
	}
	return s
}

// InWindow reports whether any active window lists the trait.
func InWindow(report domain.WindowReport, trait string) bool {
	for _, st := range report.Active {
		if st.Window.Eligible(trait) {
			return true
		}
	}
	return false
}

// Status returns the reported status of a named window.
func Status(report domain.WindowReport, name string) (domain.WindowStatus, bool) {
	for _, group := range [][]domain.WindowState{report.Active, report.Upcoming, report.Closed, report.Missed} {
		for _, st := range group {
			if st.Window.Name == name {
				return st.Status, true
			}
		}
	}
	return "", false
}
