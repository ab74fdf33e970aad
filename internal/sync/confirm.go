package sync

import (
	"context"

	"github.com/vonshlovens/vaultcal/internal/parser"
)

// Delete policies for documents whose remote event vanished
const (
	DeleteAlways = "always"
	DeleteNever  = "never"
	DeleteAsk    = "ask"
)

// Confirmer decides whether a document with user content may be deleted
// after its remote event was removed
type Confirmer interface {
	ConfirmDelete(ctx context.Context, path string, ev parser.ParsedEvent) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(ctx context.Context, path string, ev parser.ParsedEvent) (bool, error)

func (f ConfirmFunc) ConfirmDelete(ctx context.Context, path string, ev parser.ParsedEvent) (bool, error) {
	return f(ctx, path, ev)
}

// PolicyConfirmer answers from a configured policy. With the "ask" policy
// and no Ask callback the document is kept.
type PolicyConfirmer struct {
	Policy string
	Ask    func(path string, ev parser.ParsedEvent) bool
}

func (c PolicyConfirmer) ConfirmDelete(ctx context.Context, path string, ev parser.ParsedEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch c.Policy {
	case DeleteAlways:
		return true, nil
	case DeleteNever:
		return false, nil
	default:
		if c.Ask == nil {
			return false, nil
		}
		return c.Ask(path, ev), nil
	}
}
