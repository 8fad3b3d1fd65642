package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionThreads         = "threads"
	collectionMessages        = "messages"
	collectionWorkingMemories = "working_memories"
)

// Firestore is a Repository backed by Cloud Firestore
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

type firestoreThread struct {
	ID           string    `firestore:"ID"`
	ResourceID   string    `firestore:"ResourceID"`
	Title        string    `firestore:"Title"`
	CreatedAt    time.Time `firestore:"CreatedAt"`
	UpdatedAt    time.Time `firestore:"UpdatedAt"`
	MessageCount int64     `firestore:"MessageCount"`
}

func (x *firestoreThread) toModel() *model.Thread {
	return &model.Thread{
		ID:           model.ThreadID(x.ID),
		ResourceID:   model.ResourceID(x.ResourceID),
		Title:        x.Title,
		CreatedAt:    x.CreatedAt,
		UpdatedAt:    x.UpdatedAt,
		MessageCount: x.MessageCount,
	}
}

type firestoreMessage struct {
	ID         string    `firestore:"ID"`
	ThreadID   string    `firestore:"ThreadID"`
	ResourceID string    `firestore:"ResourceID"`
	Role       string    `firestore:"Role"`
	Content    string    `firestore:"Content"`
	CreatedAt  time.Time `firestore:"CreatedAt"`
	Seq        int64     `firestore:"Seq"`
}

func (x *firestoreMessage) toModel() *model.Message {
	return &model.Message{
		ID:         model.MessageID(x.ID),
		ThreadID:   model.ThreadID(x.ThreadID),
		ResourceID: model.ResourceID(x.ResourceID),
		Role:       model.Role(x.Role),
		Content:    x.Content,
		CreatedAt:  x.CreatedAt,
		Seq:        x.Seq,
	}
}

type firestoreWorkingMemory struct {
	Facts     map[string]string `firestore:"Facts"`
	Note      string            `firestore:"Note"`
	UpdatedAt time.Time         `firestore:"UpdatedAt"`
}

// NewFirestore creates a Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "firestore project ID is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}
	return &Firestore{client: client}, nil
}

// Close releases the Firestore client
func (x *Firestore) Close() error {
	return x.client.Close()
}

func (x *Firestore) threadRef(id model.ThreadID) *firestore.DocumentRef {
	return x.client.Collection(collectionThreads).Doc(string(id))
}

// messageRef keys messages by zero padded seq so document order is conversation order
func (x *Firestore) messageRef(threadID model.ThreadID, seq int64) *firestore.DocumentRef {
	return x.threadRef(threadID).Collection(collectionMessages).Doc(fmt.Sprintf("%010d", seq))
}

// PutThread implements Repository
func (x *Firestore) PutThread(ctx context.Context, thread *model.Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}

	// MessageCount belongs to AppendMessage, so it is not overwritten here
	updates := []firestore.Update{
		{Path: "ID", Value: string(thread.ID)},
		{Path: "ResourceID", Value: string(thread.ResourceID)},
		{Path: "Title", Value: thread.Title},
		{Path: "CreatedAt", Value: thread.CreatedAt},
		{Path: "UpdatedAt", Value: thread.UpdatedAt},
	}
	ref := x.threadRef(thread.ID)
	err := x.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			return tx.Create(ref, &firestoreThread{
				ID:         string(thread.ID),
				ResourceID: string(thread.ResourceID),
				Title:      thread.Title,
				CreatedAt:  thread.CreatedAt,
				UpdatedAt:  thread.UpdatedAt,
			})
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to put thread", goerr.V("thread_id", thread.ID))
	}
	return nil
}

// GetThread implements Repository
func (x *Firestore) GetThread(ctx context.Context, id model.ThreadID) (*model.Thread, error) {
	snap, err := x.threadRef(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNotFound, "thread not found", goerr.V("thread_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get thread", goerr.V("thread_id", id))
	}

	var thread firestoreThread
	if err := snap.DataTo(&thread); err != nil {
		return nil, goerr.Wrap(err, "failed to decode thread", goerr.V("thread_id", id))
	}
	return thread.toModel(), nil
}

// ListThreads implements Repository
func (x *Firestore) ListThreads(ctx context.Context, resourceID model.ResourceID) ([]*model.Thread, error) {
	iter := x.client.Collection(collectionThreads).
		Where("ResourceID", "==", string(resourceID)).
		Documents(ctx)
	defer iter.Stop()

	threads := make([]*model.Thread, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list threads", goerr.V("resource_id", resourceID))
		}
		var thread firestoreThread
		if err := snap.DataTo(&thread); err != nil {
			return nil, goerr.Wrap(err, "failed to decode thread", goerr.V("id", snap.Ref.ID))
		}
		threads = append(threads, thread.toModel())
	}

	// sorted client-side to avoid requiring a composite index
	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].CreatedAt.Before(threads[j].CreatedAt)
		}
		return threads[i].ID < threads[j].ID
	})
	return threads, nil
}

// AppendMessage implements Repository. The sequence number is taken from the
// thread document inside a transaction, so concurrent appends never collide.
func (x *Firestore) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := validateAppend(msg); err != nil {
		return nil, err
	}

	var stored *model.Message
	ref := x.threadRef(msg.ThreadID)
	err := x.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrNotFound, "thread not found", goerr.V("thread_id", msg.ThreadID))
			}
			return err
		}
		var thread firestoreThread
		if err := snap.DataTo(&thread); err != nil {
			return err
		}

		stored, err = prepareMessage(msg, thread.toModel(), time.Now().UTC())
		if err != nil {
			return err
		}

		if err := tx.Create(x.messageRef(stored.ThreadID, stored.Seq), &firestoreMessage{
			ID:         string(stored.ID),
			ThreadID:   string(stored.ThreadID),
			ResourceID: string(stored.ResourceID),
			Role:       string(stored.Role),
			Content:    stored.Content,
			CreatedAt:  stored.CreatedAt,
			Seq:        stored.Seq,
		}); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "MessageCount", Value: stored.Seq},
			{Path: "UpdatedAt", Value: stored.CreatedAt},
		})
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to append message", goerr.V("thread_id", msg.ThreadID))
	}
	return stored, nil
}

// GetMessagesAt implements Repository
func (x *Firestore) GetMessagesAt(ctx context.Context, positions []model.MessagePosition) ([]*model.Message, error) {
	if len(positions) == 0 {
		return []*model.Message{}, nil
	}

	refs := make([]*firestore.DocumentRef, 0, len(positions))
	for _, pos := range positions {
		if pos.Seq < 1 || pos.ThreadID == "" {
			continue
		}
		refs = append(refs, x.messageRef(pos.ThreadID, pos.Seq))
	}

	snaps, err := x.client.GetAll(ctx, refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get messages", goerr.V("positions", len(positions)))
	}

	messages := make([]*model.Message, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var msg firestoreMessage
		if err := snap.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message", goerr.V("path", snap.Ref.Path))
		}
		messages = append(messages, msg.toModel())
	}
	return messages, nil
}

// ListRecentMessages implements Repository
func (x *Firestore) ListRecentMessages(ctx context.Context, threadID model.ThreadID, n int) ([]*model.Message, error) {
	if n <= 0 {
		return []*model.Message{}, nil
	}

	iter := x.threadRef(threadID).Collection(collectionMessages).
		OrderBy("Seq", firestore.Desc).
		Limit(n).
		Documents(ctx)
	defer iter.Stop()

	messages := make([]*model.Message, 0, n)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list recent messages", goerr.V("thread_id", threadID))
		}
		var msg firestoreMessage
		if err := snap.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message", goerr.V("path", snap.Ref.Path))
		}
		messages = append(messages, msg.toModel())
	}

	// fetched newest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (x *Firestore) workingMemoryRef(resourceID model.ResourceID) *firestore.DocumentRef {
	return x.client.Collection(collectionWorkingMemories).Doc(string(resourceID))
}

func decodeWorkingMemory(snap *firestore.DocumentSnapshot, resourceID model.ResourceID) (*model.WorkingMemory, error) {
	var doc firestoreWorkingMemory
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	wm := model.NewWorkingMemory(resourceID)
	for k, v := range doc.Facts {
		wm.Facts[k] = v
	}
	wm.Note = doc.Note
	wm.UpdatedAt = doc.UpdatedAt
	return wm, nil
}

// GetWorkingMemory implements Repository
func (x *Firestore) GetWorkingMemory(ctx context.Context, resourceID model.ResourceID) (*model.WorkingMemory, error) {
	snap, err := x.workingMemoryRef(resourceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get working memory", goerr.V("resource_id", resourceID))
	}

	wm, err := decodeWorkingMemory(snap, resourceID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode working memory", goerr.V("resource_id", resourceID))
	}
	return wm, nil
}

// UpdateWorkingMemory implements Repository
func (x *Firestore) UpdateWorkingMemory(ctx context.Context, resourceID model.ResourceID, fn func(*model.WorkingMemory) error) (*model.WorkingMemory, error) {
	if resourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "resource ID is required")
	}

	var result *model.WorkingMemory
	ref := x.workingMemoryRef(resourceID)
	err := x.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		wm := model.NewWorkingMemory(resourceID)
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if wm, err = decodeWorkingMemory(snap, resourceID); err != nil {
				return err
			}
		}

		if err := fn(wm); err != nil {
			return err
		}
		wm.ResourceID = resourceID
		wm.UpdatedAt = time.Now().UTC()
		result = wm

		return tx.Set(ref, &firestoreWorkingMemory{
			Facts:     wm.Facts,
			Note:      wm.Note,
			UpdatedAt: wm.UpdatedAt,
		})
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update working memory", goerr.V("resource_id", resourceID))
	}
	return result, nil
}
