package recall

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

const threadTitleLength = 60

// IngestInput is a conversation message to store and make recallable
type IngestInput struct {
	ThreadID   model.ThreadID
	ResourceID model.ResourceID
	Role       model.Role
	Content    string
}

// Ingest stores the message in the content store first, then indexes a
// pointer to it. When indexing fails the message stays stored but is not
// recallable; no pointer ever references a message that was not stored.
func (u *UseCase) Ingest(ctx context.Context, input IngestInput) (*model.Message, error) {
	if input.ThreadID == "" || input.ResourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "thread ID and resource ID are required")
	}
	if input.Content == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message content is empty")
	}
	if err := input.Role.Validate(); err != nil {
		return nil, err
	}

	if err := u.ensureThread(ctx, input); err != nil {
		return nil, err
	}

	msg, err := u.repo.AppendMessage(ctx, &model.Message{
		ThreadID:   input.ThreadID,
		ResourceID: input.ResourceID,
		Role:       input.Role,
		Content:    input.Content,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to store message", goerr.V("thread_id", input.ThreadID))
	}

	vec, err := u.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return msg, goerr.Wrap(err, "message stored but not indexed",
			goerr.V("message_id", msg.ID),
			goerr.V("thread_id", msg.ThreadID))
	}

	ptr := model.NewMessagePointer(msg)
	ids, err := u.index.Upsert(ctx, u.cfg.Index, [][]float32{vec}, []model.Payload{ptr.Payload()})
	if err != nil {
		return msg, goerr.Wrap(err, "message stored but not indexed",
			goerr.V("message_id", msg.ID),
			goerr.V("thread_id", msg.ThreadID))
	}

	if u.wait != nil {
		if err := vectorindex.WaitVisible(ctx, u.index, u.cfg.Index, ids, *u.wait); err != nil {
			if !errors.Is(err, model.ErrVisibilityTimeout) {
				return msg, err
			}
			logging.From(ctx).Warn("message pointer not yet visible", "message_id", msg.ID, logging.ErrAttr(err))
		}
	}

	logging.From(ctx).Debug("message ingested",
		"message_id", msg.ID,
		"thread_id", msg.ThreadID,
		"seq", msg.Seq,
		"record_id", ids[0])
	return msg, nil
}

func (u *UseCase) ensureThread(ctx context.Context, input IngestInput) error {
	thread, err := u.repo.GetThread(ctx, input.ThreadID)
	switch {
	case err == nil:
		if thread.ResourceID != input.ResourceID {
			return goerr.Wrap(model.ErrInvalidArgument, "thread belongs to another resource",
				goerr.V("thread_id", input.ThreadID),
				goerr.V("resource_id", input.ResourceID))
		}
		return nil

	case errors.Is(err, model.ErrNotFound):
		now := time.Now().UTC()
		title := []rune(input.Content)
		if len(title) > threadTitleLength {
			title = title[:threadTitleLength]
		}
		if err := u.repo.PutThread(ctx, &model.Thread{
			ID:         input.ThreadID,
			ResourceID: input.ResourceID,
			Title:      string(title),
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return goerr.Wrap(err, "failed to create thread", goerr.V("thread_id", input.ThreadID))
		}
		return nil

	default:
		return goerr.Wrap(err, "failed to get thread", goerr.V("thread_id", input.ThreadID))
	}
}
