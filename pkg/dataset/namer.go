package dataset

import (
	"context"
	"fmt"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/internal/utils"
)

// maxAttempts bounds the suffix search so a broken reserver cannot spin forever
const maxAttempts = 100000

// Reserver claims a name in a session exactly once across all callers.
// Reserve returns false when somebody else already holds the name.
// Release hands a name back when nothing was written under it.
type Reserver interface {
	Reserve(ctx context.Context, session, name string) (bool, error)
	Release(ctx context.Context, session, name string) error
}

// Namer picks the first unused base name for a new sample
type Namer struct {
	layout   Layout
	reserver Reserver
}

// NewNamer creates a namer. reserver may be nil, in which case two concurrent
// callers can be handed the same name.
func NewNamer(layout Layout, reserver Reserver) *Namer {
	return &Namer{layout: layout, reserver: reserver}
}

// NextAvailableName tries baseName, baseName_1, baseName_2, ... and returns
// the first candidate with neither images/<name>.jpg nor labels/<name>.txt.
func (n *Namer) NextAvailableName(ctx context.Context, session, baseName string) (string, error) {
	if baseName == "" {
		return "", errs.New(errs.CategoryInvalidInput, "empty_name", "base name is required")
	}

	for i := 0; i < maxAttempts; i++ {
		candidate := baseName
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", baseName, i)
		}
		if n.taken(session, candidate) {
			continue
		}
		if n.reserver == nil {
			return candidate, nil
		}
		ok, err := n.reserver.Reserve(ctx, session, candidate)
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		if ok {
			return candidate, nil
		}
	}
	return "", errs.New(errs.CategoryStateContention, "names_exhausted",
		"no free name for %q after %d attempts", baseName, maxAttempts)
}

// Release returns name to the ledger. It is a no-op without a reserver.
func (n *Namer) Release(ctx context.Context, session, name string) error {
	if n.reserver == nil {
		return nil
	}
	return n.reserver.Release(ctx, session, name)
}

func (n *Namer) taken(session, name string) bool {
	return utils.FileExists(n.layout.ImagePath(session, name+SavedImageExt)) ||
		utils.FileExists(n.layout.LabelPath(session, name+SavedImageExt))
}
