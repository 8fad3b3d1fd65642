package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/repository"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
)

const (
	maxFacts     = 64
	maxKeyLength = 64
)

// UseCase reads and updates the working memory of a resource
type UseCase struct {
	repo repository.Repository
}

// New creates a working memory UseCase
func New(repo repository.Repository) *UseCase {
	return &UseCase{repo: repo}
}

// Patch describes a change to a fact sheet. Deletions apply before sets.
type Patch struct {
	Set    map[string]string
	Delete []string
	// Note replaces the free-form note when not nil
	Note *string
}

// IsEmpty reports whether the patch changes nothing
func (p *Patch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Delete) == 0 && p.Note == nil
}

func (p *Patch) validate() error {
	if p.IsEmpty() {
		return goerr.Wrap(model.ErrInvalidArgument, "patch is empty")
	}
	for key := range p.Set {
		if strings.TrimSpace(key) == "" {
			return goerr.Wrap(model.ErrInvalidArgument, "fact key is empty")
		}
		if len(key) > maxKeyLength {
			return goerr.Wrap(model.ErrInvalidArgument, "fact key is too long", goerr.V("key", key), goerr.V("max", maxKeyLength))
		}
	}
	return nil
}

// Get returns the fact sheet of a resource, empty when none is stored
func (u *UseCase) Get(ctx context.Context, resourceID model.ResourceID) (*model.WorkingMemory, error) {
	if resourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "resource ID is required")
	}

	wm, err := u.repo.GetWorkingMemory(ctx, resourceID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get working memory", goerr.V("resource_id", resourceID))
	}
	if wm == nil {
		return model.NewWorkingMemory(resourceID), nil
	}
	return wm, nil
}

// Update merges the patch into the fact sheet. Stores without transactions
// resolve concurrent updates as last write wins.
func (u *UseCase) Update(ctx context.Context, resourceID model.ResourceID, patch Patch) (*model.WorkingMemory, error) {
	if resourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "resource ID is required")
	}
	if err := patch.validate(); err != nil {
		return nil, err
	}

	wm, err := u.repo.UpdateWorkingMemory(ctx, resourceID, func(wm *model.WorkingMemory) error {
		for _, key := range patch.Delete {
			delete(wm.Facts, strings.TrimSpace(key))
		}
		for key, value := range patch.Set {
			wm.Facts[strings.TrimSpace(key)] = value
		}
		if patch.Note != nil {
			wm.Note = *patch.Note
		}
		if len(wm.Facts) > maxFacts {
			return goerr.Wrap(model.ErrInvalidArgument, "too many facts",
				goerr.V("count", len(wm.Facts)),
				goerr.V("max", maxFacts))
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update working memory", goerr.V("resource_id", resourceID))
	}

	logging.From(ctx).Debug("working memory updated",
		"resource_id", resourceID,
		"set", len(patch.Set),
		"deleted", len(patch.Delete),
		"facts", len(wm.Facts))
	return wm, nil
}

// Format renders the fact sheet as prompt text, or an empty string when
// nothing is known
func Format(wm *model.WorkingMemory) string {
	if wm.IsEmpty() {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Working memory\n\n")

	keys := make([]string, 0, len(wm.Facts))
	for key := range wm.Facts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", key, wm.Facts[key])
	}
	if wm.Note != "" {
		if len(keys) > 0 {
			b.WriteString("\n")
		}
		b.WriteString(wm.Note)
		b.WriteString("\n")
	}
	return b.String()
}
