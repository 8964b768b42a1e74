// Package fetch implements the ordered fallback chain of fetch
// strategies a job walks until one yields a viable payload.
package fetch

import (
	"context"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// Strategy is one concrete method of attempting to fetch content.
// Reordering the chain is a wiring change, not a control-flow edit.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, locator string) (grab.Payload, error)
}
