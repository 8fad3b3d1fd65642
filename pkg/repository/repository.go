package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
)

// Repository is the durable content store: the source of truth for
// conversation messages and the per-resource working memory
type Repository interface {
	// PutThread creates or replaces a thread. MessageCount is kept by the store
	// and never moves backwards through PutThread.
	PutThread(ctx context.Context, thread *model.Thread) error

	// GetThread retrieves a thread by ID. It returns model.ErrNotFound when the
	// thread does not exist.
	GetThread(ctx context.Context, id model.ThreadID) (*model.Thread, error)

	// ListThreads returns threads of a resource ordered by creation time
	ListThreads(ctx context.Context, resourceID model.ResourceID) ([]*model.Thread, error)

	// AppendMessage stores a message at the end of its thread. The next 1-based
	// Seq is assigned atomically, and ID and CreatedAt are filled when empty.
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error)

	// GetMessagesAt resolves messages by position in one multi-get. Positions
	// without a message are omitted.
	GetMessagesAt(ctx context.Context, positions []model.MessagePosition) ([]*model.Message, error)

	// ListRecentMessages returns the last n messages of a thread in
	// conversation order
	ListRecentMessages(ctx context.Context, threadID model.ThreadID, n int) ([]*model.Message, error)

	// GetWorkingMemory returns the fact sheet of a resource, or nil when none
	// has been written yet
	GetWorkingMemory(ctx context.Context, resourceID model.ResourceID) (*model.WorkingMemory, error)

	// UpdateWorkingMemory applies fn to the current fact sheet (an empty one
	// when absent) and stores the result
	UpdateWorkingMemory(ctx context.Context, resourceID model.ResourceID, fn func(*model.WorkingMemory) error) (*model.WorkingMemory, error)
}

func validateAppend(msg *model.Message) error {
	if msg == nil {
		return goerr.Wrap(model.ErrInvalidArgument, "message is nil")
	}
	if msg.ThreadID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "message has no thread ID")
	}
	if msg.Content == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "message content is empty", goerr.V("thread_id", msg.ThreadID))
	}
	return msg.Role.Validate()
}

// prepareMessage fills the store assigned fields of a message appended to thread
func prepareMessage(msg *model.Message, thread *model.Thread, now time.Time) (*model.Message, error) {
	if msg.ResourceID != "" && msg.ResourceID != thread.ResourceID {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message resource does not own the thread",
			goerr.V("thread_id", thread.ID),
			goerr.V("thread_resource", thread.ResourceID),
			goerr.V("message_resource", msg.ResourceID))
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = model.NewMessageID()
	}
	stored.ResourceID = thread.ResourceID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.Seq = thread.MessageCount + 1
	return &stored, nil
}

func validateThread(thread *model.Thread) error {
	if thread == nil || thread.ID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "thread ID is required")
	}
	if thread.ResourceID == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "thread resource ID is required", goerr.V("thread_id", thread.ID))
	}
	return nil
}
