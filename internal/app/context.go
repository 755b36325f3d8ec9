package app

import (
	"context"
	"fmt"

	"paperline/internal/repo"
)

// ResolveProject picks the active project for a CLI invocation: the explicit
// override wins, otherwise a single-project workspace resolves to that
// project. Projects are never created implicitly; use `pl project init`.
func ResolveProject(ctx context.Context, projectOverride string, r repo.Repo) (string, error) {
	if projectOverride != "" {
		if _, err := r.GetProject(ctx, projectOverride); err != nil {
			return "", err
		}
		return projectOverride, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return "", fmt.Errorf("project not specified; use --project: %w", err)
	}
	return p.Key, nil
}
