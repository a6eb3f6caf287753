// Package guard pairs eager resource acquisition with a matching release
// that is guaranteed to run exactly once, even when acquisition only
// partially completed. Release failures are collected as secondary
// diagnostics and never mask the primary reason a scope is exiting.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Stage pairs one resource's start with its matching stop. Either func may be
// nil when a stage only needs half of the pairing.
type Stage struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Guard owns the stages that started successfully. Obtain one via Acquire.
type Guard struct {
	stages []Stage

	once   sync.Once
	relErr error
}

// Acquire runs each stage's Start eagerly, in order. On success the returned
// Guard owns all stages and Release stops them in reverse order. If a Start
// fails partway, the already-started prefix is released before Acquire
// returns; the start failure is the primary error, with any release failures
// joined after it.
func Acquire(ctx context.Context, stages ...Stage) (*Guard, error) {
	g := &Guard{}
	for _, stage := range stages {
		if stage.Start != nil {
			if err := stage.Start(ctx); err != nil {
				primary := fmt.Errorf("guard: start %s: %w", stage.Name, err)
				if relErr := g.Release(ctx); relErr != nil {
					return nil, errors.Join(primary, relErr)
				}
				return nil, primary
			}
		}
		g.stages = append(g.stages, stage)
	}
	return g, nil
}

// Release stops the owned stages in reverse acquisition order, exactly once.
// Every stage's Stop runs even when an earlier one fails; failures are
// joined into the returned error. Subsequent calls perform no work and
// return the recorded result.
func (g *Guard) Release(ctx context.Context) error {
	g.once.Do(func() {
		var errs []error
		for i := len(g.stages) - 1; i >= 0; i-- {
			stage := g.stages[i]
			if stage.Stop == nil {
				continue
			}
			if err := stage.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("guard: stop %s: %w", stage.Name, err))
			}
		}
		g.relErr = errors.Join(errs...)
	})
	return g.relErr
}
