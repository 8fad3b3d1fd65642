package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/repository"
)

func newThread(resourceID model.ResourceID) *model.Thread {
	now := time.Now().UTC()
	return &model.Thread{
		ID:         model.NewThreadID(),
		ResourceID: resourceID,
		Title:      "test thread",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func appendN(t *testing.T, repo repository.Repository, thread *model.Thread, n int) []*model.Message {
	t.Helper()
	ctx := context.Background()
	messages := make([]*model.Message, n)
	for i := range messages {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msg, err := repo.AppendMessage(ctx, &model.Message{
			ThreadID: thread.ID,
			Role:     role,
			Content:  fmt.Sprintf("message %d", i+1),
		})
		gt.NoError(t, err)
		messages[i] = msg
	}
	return messages
}

func testRepository(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	resourceID := model.ResourceID("user-" + string(model.NewThreadID()))

	t.Run("thread round trip", func(t *testing.T) {
		thread := newThread(resourceID)
		gt.NoError(t, repo.PutThread(ctx, thread))

		got, err := repo.GetThread(ctx, thread.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.ResourceID, resourceID)
		gt.Equal(t, got.Title, "test thread")
		gt.Equal(t, got.MessageCount, int64(0))

		_, err = repo.GetThread(ctx, model.NewThreadID())
		gt.True(t, errors.Is(err, model.ErrNotFound))

		threads, err := repo.ListThreads(ctx, resourceID)
		gt.NoError(t, err)
		gt.True(t, len(threads) >= 1)
	})

	t.Run("append assigns sequence", func(t *testing.T) {
		thread := newThread(resourceID)
		gt.NoError(t, repo.PutThread(ctx, thread))

		messages := appendN(t, repo, thread, 3)
		for i, msg := range messages {
			gt.Equal(t, msg.Seq, int64(i+1))
			gt.NotEqual(t, msg.ID, model.MessageID(""))
			gt.Equal(t, msg.ResourceID, resourceID)
			gt.False(t, msg.CreatedAt.IsZero())
		}

		got, err := repo.GetThread(ctx, thread.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.MessageCount, int64(3))

		// replacing the thread keeps the counter
		thread.Title = "renamed"
		gt.NoError(t, repo.PutThread(ctx, thread))
		next := appendN(t, repo, thread, 1)
		gt.Equal(t, next[0].Seq, int64(4))
	})

	t.Run("append validation", func(t *testing.T) {
		_, err := repo.AppendMessage(ctx, &model.Message{ThreadID: model.NewThreadID(), Role: model.RoleUser, Content: "x"})
		gt.True(t, errors.Is(err, model.ErrNotFound))

		thread := newThread(resourceID)
		gt.NoError(t, repo.PutThread(ctx, thread))

		_, err = repo.AppendMessage(ctx, &model.Message{ThreadID: thread.ID, Role: model.RoleUser})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))

		_, err = repo.AppendMessage(ctx, &model.Message{ThreadID: thread.ID, Role: "robot", Content: "x"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))

		_, err = repo.AppendMessage(ctx, &model.Message{ThreadID: thread.ID, ResourceID: "someone-else", Role: model.RoleUser, Content: "x"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	})

	t.Run("get messages at positions", func(t *testing.T) {
		thread := newThread(resourceID)
		gt.NoError(t, repo.PutThread(ctx, thread))
		messages := appendN(t, repo, thread, 12)

		positions := make([]model.MessagePosition, 0)
		for seq := int64(8); seq <= 14; seq++ {
			positions = append(positions, model.MessagePosition{ThreadID: thread.ID, Seq: seq})
		}
		got, err := repo.GetMessagesAt(ctx, positions)
		gt.NoError(t, err)
		gt.A(t, got).Length(5)
		for i, msg := range got {
			gt.Equal(t, msg.Seq, int64(8+i))
			gt.Equal(t, msg.ID, messages[7+i].ID)
			gt.Equal(t, msg.Content, messages[7+i].Content)
		}

		got, err = repo.GetMessagesAt(ctx, nil)
		gt.NoError(t, err)
		gt.A(t, got).Length(0)
	})

	t.Run("recent messages", func(t *testing.T) {
		thread := newThread(resourceID)
		gt.NoError(t, repo.PutThread(ctx, thread))
		appendN(t, repo, thread, 6)

		recent, err := repo.ListRecentMessages(ctx, thread.ID, 4)
		gt.NoError(t, err)
		gt.A(t, recent).Length(4)
		for i, msg := range recent {
			gt.Equal(t, msg.Seq, int64(3+i))
		}

		all, err := repo.ListRecentMessages(ctx, thread.ID, 100)
		gt.NoError(t, err)
		gt.A(t, all).Length(6)

		none, err := repo.ListRecentMessages(ctx, thread.ID, 0)
		gt.NoError(t, err)
		gt.A(t, none).Length(0)
	})

	t.Run("working memory", func(t *testing.T) {
		owner := model.ResourceID("wm-" + string(model.NewThreadID()))

		wm, err := repo.GetWorkingMemory(ctx, owner)
		gt.NoError(t, err)
		gt.Nil(t, wm)

		wm, err = repo.UpdateWorkingMemory(ctx, owner, func(wm *model.WorkingMemory) error {
			wm.Facts["name"] = "Alice"
			wm.Note = "prefers short answers"
			return nil
		})
		gt.NoError(t, err)
		gt.Equal(t, wm.Facts["name"], "Alice")

		wm, err = repo.UpdateWorkingMemory(ctx, owner, func(wm *model.WorkingMemory) error {
			wm.Facts["city"] = "Tokyo"
			return nil
		})
		gt.NoError(t, err)
		gt.Equal(t, len(wm.Facts), 2)

		got, err := repo.GetWorkingMemory(ctx, owner)
		gt.NoError(t, err)
		gt.Equal(t, got.Facts["name"], "Alice")
		gt.Equal(t, got.Facts["city"], "Tokyo")
		gt.Equal(t, got.Note, "prefers short answers")

		failure := errors.New("abort")
		_, err = repo.UpdateWorkingMemory(ctx, owner, func(wm *model.WorkingMemory) error {
			wm.Facts["name"] = "Mallory"
			return failure
		})
		gt.True(t, errors.Is(err, failure))

		got, err = repo.GetWorkingMemory(ctx, owner)
		gt.NoError(t, err)
		gt.Equal(t, got.Facts["name"], "Alice")
	})
}

func TestMemory(t *testing.T) {
	testRepository(t, repository.NewMemory())
}

func TestSQLite(t *testing.T) {
	repo, err := repository.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "recollect.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	testRepository(t, repo)
}

func TestFirestore(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	repo, err := repository.NewFirestore(context.Background(), projectID, databaseID)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	testRepository(t, repo)
}

func TestConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	sqlite, err := repository.NewSQLite(ctx, filepath.Join(t.TempDir(), "concurrent.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	for name, repo := range map[string]repository.Repository{
		"memory": repository.NewMemory(),
		"sqlite": sqlite,
	} {
		t.Run(name, func(t *testing.T) {
			thread := newThread("user")
			gt.NoError(t, repo.PutThread(ctx, thread))

			const n = 20
			var wg sync.WaitGroup
			seqs := make(chan int64, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					msg, err := repo.AppendMessage(ctx, &model.Message{ThreadID: thread.ID, Role: model.RoleUser, Content: "hi"})
					if err == nil {
						seqs <- msg.Seq
					}
				}()
			}
			wg.Wait()
			close(seqs)

			seen := map[int64]bool{}
			for seq := range seqs {
				gt.False(t, seen[seq])
				seen[seq] = true
			}
			gt.Equal(t, len(seen), n)
		})
	}
}

func TestGetMessagesAtManyPositions(t *testing.T) {
	ctx := context.Background()
	sqlite, err := repository.NewSQLite(ctx, filepath.Join(t.TempDir(), "positions.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	for name, repo := range map[string]repository.Repository{
		"memory": repository.NewMemory(),
		"sqlite": sqlite,
	} {
		t.Run(name, func(t *testing.T) {
			thread := newThread("user")
			gt.NoError(t, repo.PutThread(ctx, thread))
			stored := appendN(t, repo, thread, 5)

			for _, n := range []int{1001, 2000} {
				positions := make([]model.MessagePosition, 0, n)
				// stored messages at the tail so they land in the last batch
				for seq := int64(n); seq > 0; seq-- {
					positions = append(positions, model.MessagePosition{ThreadID: thread.ID, Seq: seq})
				}

				got, err := repo.GetMessagesAt(ctx, positions)
				gt.NoError(t, err)
				gt.A(t, got).Length(5)
				for i, msg := range got {
					gt.Equal(t, msg.ID, stored[4-i].ID)
				}
			}
		})
	}
}
