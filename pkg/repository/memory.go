package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
)

// Memory is an in-process Repository for tests and single-shot CLI runs
type Memory struct {
	mu       sync.RWMutex
	threads  map[model.ThreadID]*model.Thread
	messages map[model.ThreadID][]*model.Message
	memories map[model.ResourceID]*model.WorkingMemory
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-process repository
func NewMemory() *Memory {
	return &Memory{
		threads:  make(map[model.ThreadID]*model.Thread),
		messages: make(map[model.ThreadID][]*model.Message),
		memories: make(map[model.ResourceID]*model.WorkingMemory),
	}
}

// PutThread implements Repository
func (x *Memory) PutThread(ctx context.Context, thread *model.Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	stored := *thread
	if old, ok := x.threads[thread.ID]; ok {
		stored.MessageCount = old.MessageCount
	}
	x.threads[thread.ID] = &stored
	return nil
}

// GetThread implements Repository
func (x *Memory) GetThread(ctx context.Context, id model.ThreadID) (*model.Thread, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	thread, ok := x.threads[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "thread not found", goerr.V("thread_id", id))
	}
	copied := *thread
	return &copied, nil
}

// ListThreads implements Repository
func (x *Memory) ListThreads(ctx context.Context, resourceID model.ResourceID) ([]*model.Thread, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	threads := make([]*model.Thread, 0)
	for _, thread := range x.threads {
		if thread.ResourceID == resourceID {
			copied := *thread
			threads = append(threads, &copied)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].CreatedAt.Before(threads[j].CreatedAt)
		}
		return threads[i].ID < threads[j].ID
	})
	return threads, nil
}

// AppendMessage implements Repository
func (x *Memory) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := validateAppend(msg); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	thread, ok := x.threads[msg.ThreadID]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "thread not found", goerr.V("thread_id", msg.ThreadID))
	}

	stored, err := prepareMessage(msg, thread, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	thread.MessageCount = stored.Seq
	thread.UpdatedAt = stored.CreatedAt
	x.messages[thread.ID] = append(x.messages[thread.ID], stored)

	copied := *stored
	return &copied, nil
}

// GetMessagesAt implements Repository
func (x *Memory) GetMessagesAt(ctx context.Context, positions []model.MessagePosition) ([]*model.Message, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	messages := make([]*model.Message, 0, len(positions))
	for _, pos := range positions {
		thread := x.messages[pos.ThreadID]
		if pos.Seq < 1 || pos.Seq > int64(len(thread)) {
			continue
		}
		copied := *thread[pos.Seq-1]
		messages = append(messages, &copied)
	}
	return messages, nil
}

// ListRecentMessages implements Repository
func (x *Memory) ListRecentMessages(ctx context.Context, threadID model.ThreadID, n int) ([]*model.Message, error) {
	if n <= 0 {
		return []*model.Message{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	thread := x.messages[threadID]
	start := max(len(thread)-n, 0)
	messages := make([]*model.Message, 0, len(thread)-start)
	for _, msg := range thread[start:] {
		copied := *msg
		messages = append(messages, &copied)
	}
	return messages, nil
}

// GetWorkingMemory implements Repository
func (x *Memory) GetWorkingMemory(ctx context.Context, resourceID model.ResourceID) (*model.WorkingMemory, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	wm, ok := x.memories[resourceID]
	if !ok {
		return nil, nil
	}
	return copyWorkingMemory(wm), nil
}

// UpdateWorkingMemory implements Repository
func (x *Memory) UpdateWorkingMemory(ctx context.Context, resourceID model.ResourceID, fn func(*model.WorkingMemory) error) (*model.WorkingMemory, error) {
	if resourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "resource ID is required")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	wm := model.NewWorkingMemory(resourceID)
	if current, ok := x.memories[resourceID]; ok {
		wm = copyWorkingMemory(current)
	}
	if err := fn(wm); err != nil {
		return nil, err
	}
	wm.ResourceID = resourceID
	wm.UpdatedAt = time.Now().UTC()

	x.memories[resourceID] = copyWorkingMemory(wm)
	return wm, nil
}

func copyWorkingMemory(wm *model.WorkingMemory) *model.WorkingMemory {
	copied := *wm
	copied.Facts = make(map[string]string, len(wm.Facts))
	for k, v := range wm.Facts {
		copied.Facts[k] = v
	}
	return &copied
}
