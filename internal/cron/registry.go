package cron

import (
	"context"
	"fmt"
	"slices"
)

// Job is one repair pass run under the recovery lock.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry keeps recovery jobs in run order. Names label metrics and logs,
// so they must be unique.
type Registry struct {
	jobs []Job
}

// NewRegistry skips nil jobs and panics on a repeated name.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		if err := r.Register(job); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if slices.Contains(r.Names(), job.Name()) {
		return fmt.Errorf("cron job %q registered twice", job.Name())
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy in run order.
func (r *Registry) Jobs() []Job { return slices.Clone(r.jobs) }

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}
