package model

import "time"

// WorkingMemory is the small fact sheet kept per resource. It outlives threads.
type WorkingMemory struct {
	ResourceID ResourceID        `json:"resource_id"`
	Facts      map[string]string `json:"facts"`
	Note       string            `json:"note,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewWorkingMemory returns an empty fact sheet for the resource
func NewWorkingMemory(resourceID ResourceID) *WorkingMemory {
	return &WorkingMemory{
		ResourceID: resourceID,
		Facts:      map[string]string{},
	}
}

// IsEmpty reports whether the fact sheet holds nothing
func (w *WorkingMemory) IsEmpty() bool {
	return w == nil || (len(w.Facts) == 0 && w.Note == "")
}
