// Package migrate implements the Migration Runner: an ordered
// sequence of named steps applied to a record's data on load, each
// recorded in Meta.AppliedMigrations so it never runs twice. It is
// grounded on the juno example's migration runner: named steps with a
// persisted progress marker, rather than a single version integer, so
// steps can be inserted and reasoned about by name during review.
package migrate

import (
	"fmt"

	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/types"
)

var logger = log.WithComponent("migrate")

// Step is one named, idempotent transformation of a record's data.
// Steps run in the order they're declared in a Runner; a step must
// never be reordered or removed once any stored record might have
// recorded it as applied.
type Step struct {
	Name string
	Run  func(data types.Value) (types.Value, error)
}

// Runner applies an ordered list of steps to bring a record's data up
// to date with the store's current schema.
type Runner struct {
	steps []Step
}

// NewRunner builds a Runner over steps, in application order.
func NewRunner(steps []Step) *Runner {
	return &Runner{steps: steps}
}

// Apply runs every step not yet present in applied against data, in
// order, returning the transformed data and the full updated list of
// applied step names. It fails with errs.UnknownMigration if applied
// contains a name this Runner does not recognize: the record was
// written by a build with migrations this process doesn't know about,
// and blindly skipping them would silently corrupt it.
func (r *Runner) Apply(data types.Value, applied []string) (types.Value, []string, error) {
	known := make(map[string]bool, len(r.steps))
	for _, s := range r.steps {
		known[s.Name] = true
	}
	for _, name := range applied {
		if !known[name] {
			return nil, nil, errs.New(errs.UnknownMigration, "", fmt.Errorf("unknown migration %q in record history", name))
		}
	}

	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	result := data
	newApplied := append([]string(nil), applied...)
	for _, step := range r.steps {
		if done[step.Name] {
			continue
		}
		var err error
		result, err = step.Run(result)
		if err != nil {
			return nil, nil, errs.New(errs.MigrationFailed, "", fmt.Errorf("migration %q: %w", step.Name, err))
		}
		newApplied = append(newApplied, step.Name)
		logger.Debug(fmt.Sprintf("applied migration %q", step.Name))
	}
	return result, newApplied, nil
}

// UpToDate reports whether applied already contains every step this
// Runner knows about, i.e. Apply would be a no-op.
func (r *Runner) UpToDate(applied []string) bool {
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	for _, s := range r.steps {
		if !done[s.Name] {
			return false
		}
	}
	return true
}
