package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Outcome is what reconcile did to a resource.
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// ErrNotFound is returned by a Probe when the resource does not exist yet.
var ErrNotFound = errors.New("resource not found")

/*
Resource describes one ensure-or-create step.

Probe reports whether the resource exists. It returns ErrNotFound (possibly
wrapped) when it does not; any other error aborts the run. A nil Probe
means the step always attempts Create and Create itself treats "already
exists" as success, returning Unchanged.

Update brings an existing resource to the desired state. A nil Update
means whatever exists is accepted as is.
*/
type Resource struct {
	Kind   string
	Name   string
	Probe  func(ctx context.Context) error
	Create func(ctx context.Context) (Outcome, error)
	Update func(ctx context.Context) error
}

// Step is one line of a Report.
type Step struct {
	Kind    string
	Name    string
	Outcome Outcome
}

// Report lists what a run did, in order.
type Report struct {
	Account string
	Steps   []Step
}

func (r *Report) record(kind, name string, outcome Outcome) {
	r.Steps = append(r.Steps, Step{Kind: kind, Name: name, Outcome: outcome})
}

// Outcome returns the recorded outcome for kind, or "" if the step never ran.
func (r *Report) Outcome(kind string) Outcome {
	for _, s := range r.Steps {
		if s.Kind == kind {
			return s.Outcome
		}
	}
	return ""
}

func (r *Report) String() string {
	var b strings.Builder
	for i, s := range r.Steps {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s: %s", s.Kind, s.Name, s.Outcome)
	}
	return b.String()
}

func (p *Provisioner) reconcile(ctx context.Context, r Resource) (Outcome, error) {
	outcome, err := reconcile(ctx, r)
	if err != nil {
		p.log.Errorf("%s %s: %v", r.Kind, r.Name, err)
		return "", fmt.Errorf("%s %s: %w", r.Kind, r.Name, err)
	}
	p.log.Infof("%s %s: %s", r.Kind, r.Name, outcome)
	p.report.record(r.Kind, r.Name, outcome)
	return outcome, nil
}

func reconcile(ctx context.Context, r Resource) (Outcome, error) {
	if r.Probe == nil {
		return r.Create(ctx)
	}
	err := r.Probe(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.Create(ctx)
	case err != nil:
		return "", fmt.Errorf("checking: %w", err)
	case r.Update == nil:
		return Unchanged, nil
	}
	if err := r.Update(ctx); err != nil {
		return "", fmt.Errorf("updating: %w", err)
	}
	return Updated, nil
}
