package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/brewkit/internal/domain/recipe"
)

// RunAll runs independent pipelines for recipes with at most parallelism in
// flight and returns their results in input order. A name that appears more
// than once fails every occurrence after the first.
func (o *Orchestrator) RunAll(ctx context.Context, recipes []*recipe.Recipe, parallelism int) []*Result {
	results := make([]*Result, len(recipes))
	seen := make(map[string]struct{}, len(recipes))

	var group errgroup.Group
	if parallelism > 0 {
		group.SetLimit(parallelism)
	}

	for idx, rcp := range recipes {
		if rcp != nil {
			if _, dup := seen[rcp.Name]; dup {
				results[idx] = &Result{
					Recipe: rcp.Name,
					State:  StateFailed,
					Stage:  StateLoaded,
					Err:    &StageError{Recipe: rcp.Name, Stage: StateLoaded, Err: ErrDuplicateRecipe},
				}

				continue
			}

			seen[rcp.Name] = struct{}{}
		}

		group.Go(func() error {
			results[idx] = o.Run(ctx, rcp)
			return nil
		})
	}

	_ = group.Wait() // runs report through their results.

	return results
}
