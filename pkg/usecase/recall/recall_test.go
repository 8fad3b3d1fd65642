package recall_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/repository"
	"github.com/m-mizutani/recollect/pkg/usecase/recall"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
)

var keywords = []string{"kubernetes", "database", "coffee"}

// keywordEmbedder puts each known keyword on its own axis and everything else
// on a shared last axis, so similarity is fully controlled by the test
type keywordEmbedder struct {
	calls int
	err   error
}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, len(keywords)+1)
	matched := false
	for i, kw := range keywords {
		if strings.Contains(strings.ToLower(text), kw) {
			vec[i] = 1
			matched = true
		}
	}
	if !matched {
		vec[len(keywords)] = 1
	}
	return vec, nil
}

func (e *keywordEmbedder) Dimensions() int { return len(keywords) + 1 }

type fixture struct {
	repo     *repository.Memory
	index    *vectorindex.Chromem
	embedder *keywordEmbedder
	uc       *recall.UseCase
}

func newFixture(t *testing.T, cfg recall.Config) *fixture {
	t.Helper()
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)

	f := &fixture{
		repo:     repository.NewMemory(),
		index:    index,
		embedder: &keywordEmbedder{},
	}
	f.uc, err = recall.New(f.repo, f.embedder, f.index, recall.WithConfig(cfg))
	gt.NoError(t, err)

	_, err = f.uc.EnsureIndex(context.Background())
	gt.NoError(t, err)
	return f
}

// ingestThread stores n messages; contents maps 1-based positions to text
func (f *fixture) ingestThread(t *testing.T, thread model.ThreadID, resource model.ResourceID, n int, contents map[int]string) []*model.Message {
	t.Helper()
	messages := make([]*model.Message, n)
	for i := 1; i <= n; i++ {
		content, ok := contents[i]
		if !ok {
			content = fmt.Sprintf("filler message %d", i)
		}
		role := model.RoleUser
		if i%2 == 0 {
			role = model.RoleAssistant
		}
		msg, err := f.uc.Ingest(context.Background(), recall.IngestInput{
			ThreadID:   thread,
			ResourceID: resource,
			Role:       role,
			Content:    content,
		})
		gt.NoError(t, err)
		gt.Equal(t, msg.Seq, int64(i))
		messages[i-1] = msg
	}
	return messages
}

func seqs(messages []*model.Message) []int64 {
	out := make([]int64, len(messages))
	for i, msg := range messages {
		out[i] = msg.Seq
	}
	return out
}

func testConfig(topK int) recall.Config {
	cfg := recall.DefaultConfig()
	cfg.TopK = topK
	cfg.MessageRange = 2
	cfg.LastMessages = 10
	return cfg
}

func TestRecallExpandsNeighbors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1))

	past := model.NewThreadID()
	messages := f.ingestThread(t, past, "alice", 12, map[int]string{10: "How do I upgrade kubernetes?"})

	window, err := f.uc.Recall(ctx, recall.RecallInput{
		ThreadID:   model.NewThreadID(),
		ResourceID: "alice",
		Message:    "kubernetes upgrade failed again",
	})
	gt.NoError(t, err)
	gt.Equal(t, seqs(window.Recalled), []int64{8, 9, 10, 11, 12})
	gt.Equal(t, window.Recalled[2].ID, messages[9].ID)
	gt.Equal(t, window.Recalled[2].Content, "How do I upgrade kubernetes?")
	gt.A(t, window.Recent).Length(0)
	gt.A(t, window.Gaps).Length(0)
}

func TestRecallWindowAtThreadStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1))

	f.ingestThread(t, model.NewThreadID(), "alice", 6, map[int]string{1: "database migration plan"})

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "database"})
	gt.NoError(t, err)
	gt.Equal(t, seqs(window.Recalled), []int64{1, 2, 3})
}

func TestRecallMergesOverlappingHits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(2))

	f.ingestThread(t, model.NewThreadID(), "alice", 12, map[int]string{
		5: "coffee beans",
		7: "coffee grinder",
	})

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "coffee"})
	gt.NoError(t, err)
	gt.Equal(t, seqs(window.Recalled), []int64{3, 4, 5, 6, 7, 8, 9})
}

func TestRecallScopedToResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1))

	f.ingestThread(t, model.NewThreadID(), "bob", 3, map[int]string{2: "kubernetes secrets"})
	f.ingestThread(t, model.NewThreadID(), "alice", 3, nil)

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "kubernetes"})
	gt.NoError(t, err)
	for _, msg := range window.Recalled {
		gt.Equal(t, msg.ResourceID, model.ResourceID("alice"))
	}
}

func TestRecallSkipsDanglingPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(2))

	thread := model.NewThreadID()
	f.ingestThread(t, thread, "alice", 12, map[int]string{10: "kubernetes node pool"})

	// a pointer whose message never reached the content store
	vec, err := f.embedder.Embed(ctx, "kubernetes")
	gt.NoError(t, err)
	dangling := &model.MessagePointer{
		MessageID:  model.NewMessageID(),
		ThreadID:   thread,
		ResourceID: "alice",
		Seq:        40,
	}
	_, err = f.index.Upsert(ctx, "messages", [][]float32{vec}, []model.Payload{dangling.Payload()})
	gt.NoError(t, err)

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "kubernetes"})
	gt.NoError(t, err)
	gt.Equal(t, seqs(window.Recalled), []int64{8, 9, 10, 11, 12})
	gt.A(t, window.Gaps).Length(1)
	gt.Equal(t, window.Gaps[0].MessageID, dangling.MessageID)
	gt.Equal(t, window.Gaps[0].Reason, "message not found")
}

func TestRecallSkipsStalePointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1))

	thread := model.NewThreadID()
	f.ingestThread(t, thread, "alice", 5, nil)

	// position 3 exists but holds a different message
	vec, err := f.embedder.Embed(ctx, "coffee")
	gt.NoError(t, err)
	stale := &model.MessagePointer{MessageID: model.NewMessageID(), ThreadID: thread, ResourceID: "alice", Seq: 3}
	_, err = f.index.Upsert(ctx, "messages", [][]float32{vec}, []model.Payload{stale.Payload()})
	gt.NoError(t, err)

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "coffee"})
	gt.NoError(t, err)
	gt.A(t, window.Recalled).Length(0)
	gt.A(t, window.Gaps).Length(1)
	gt.Equal(t, window.Gaps[0].Reason, "position holds another message")
}

func TestRecallSkipsMalformedPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1))

	vec, err := f.embedder.Embed(ctx, "database")
	gt.NoError(t, err)
	_, err = f.index.Upsert(ctx, "messages", [][]float32{vec}, []model.Payload{{"unexpected": true}})
	gt.NoError(t, err)

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "database"})
	gt.NoError(t, err)
	gt.A(t, window.Recalled).Length(0)
	gt.A(t, window.Gaps).Length(1)
	gt.Equal(t, window.Gaps[0].Reason, "malformed pointer")
}

func TestRecallDropsMessagesInRecencyWindow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(1)
	cfg.LastMessages = 3
	f := newFixture(t, cfg)

	thread := model.NewThreadID()
	f.ingestThread(t, thread, "alice", 12, map[int]string{10: "kubernetes ingress"})

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: thread, ResourceID: "alice", Message: "kubernetes"})
	gt.NoError(t, err)
	gt.Equal(t, seqs(window.Recent), []int64{10, 11, 12})
	gt.Equal(t, seqs(window.Recalled), []int64{8, 9})
	gt.Equal(t, seqs(window.Messages()), []int64{8, 9, 10, 11, 12})

	text := window.Format()
	gt.S(t, text).Contains("## Related earlier messages")
	gt.S(t, text).Contains("## Recent messages")
	gt.S(t, text).Contains("kubernetes ingress")
}

func TestRecallRecencyOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(0)
	cfg.LastMessages = 2
	f := newFixture(t, cfg)

	thread := model.NewThreadID()
	f.ingestThread(t, thread, "alice", 4, nil)
	calls := f.embedder.calls

	window, err := f.uc.Recall(ctx, recall.RecallInput{ThreadID: thread, ResourceID: "alice", Message: "anything"})
	gt.NoError(t, err)
	gt.Equal(t, seqs(window.Recent), []int64{3, 4})
	gt.A(t, window.Recalled).Length(0)
	gt.Equal(t, f.embedder.calls, calls)
}

func TestRecallValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1))

	testCases := []struct {
		name  string
		input recall.RecallInput
	}{
		{"no thread", recall.RecallInput{ResourceID: "alice", Message: "m"}},
		{"no resource", recall.RecallInput{ThreadID: "t", Message: "m"}},
		{"no message", recall.RecallInput{ThreadID: "t", ResourceID: "alice"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.uc.Recall(ctx, tc.input)
			gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		})
	}
	gt.Equal(t, f.embedder.calls, 0)
}

func TestConfigValidation(t *testing.T) {
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)

	for _, mutate := range []func(*recall.Config){
		func(c *recall.Config) { c.Index = "" },
		func(c *recall.Config) { c.TopK = -1 },
		func(c *recall.Config) { c.Overfetch = 0 },
		func(c *recall.Config) { c.Overfetch = recall.MaxOverfetch + 1 },
		func(c *recall.Config) { c.TopK = recall.MaxTopK + 1 },
		func(c *recall.Config) { c.MessageRange = recall.MaxMessageRange + 1 },
		func(c *recall.Config) { c.MessageRange = math.MaxInt },
		func(c *recall.Config) { c.Scope = "thread" },
	} {
		cfg := recall.DefaultConfig()
		mutate(&cfg)
		_, err := recall.New(repository.NewMemory(), &keywordEmbedder{}, index, recall.WithConfig(cfg))
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	}
}

// positionRecorder keeps every position the recall window asks for
type positionRecorder struct {
	repository.Repository
	positions []model.MessagePosition
}

func (r *positionRecorder) GetMessagesAt(ctx context.Context, positions []model.MessagePosition) ([]*model.Message, error) {
	r.positions = append(r.positions, positions...)
	return r.Repository.GetMessagesAt(ctx, positions)
}

func TestRecallLargeRangeStopsAtThreadEnd(t *testing.T) {
	ctx := context.Background()
	index, err := vectorindex.NewChromem()
	gt.NoError(t, err)

	cfg := testConfig(3)
	cfg.MessageRange = recall.MaxMessageRange
	repo := &positionRecorder{Repository: repository.NewMemory()}
	uc, err := recall.New(repo, &keywordEmbedder{}, index, recall.WithConfig(cfg))
	gt.NoError(t, err)
	_, err = uc.EnsureIndex(ctx)
	gt.NoError(t, err)

	for _, content := range []string{"kubernetes nodes", "kubernetes pods", "kubernetes ingress"} {
		thread := model.NewThreadID()
		for i := 1; i <= 4; i++ {
			text := fmt.Sprintf("filler message %d", i)
			if i == 3 {
				text = content
			}
			_, err := uc.Ingest(ctx, recall.IngestInput{ThreadID: thread, ResourceID: "alice", Role: model.RoleUser, Content: text})
			gt.NoError(t, err)
		}
	}

	window, err := uc.Recall(ctx, recall.RecallInput{ThreadID: model.NewThreadID(), ResourceID: "alice", Message: "kubernetes"})
	gt.NoError(t, err)
	gt.A(t, window.Recalled).Length(12)
	gt.A(t, repo.positions).Length(12)
	for _, pos := range repo.positions {
		gt.True(t, pos.Seq >= 1 && pos.Seq <= 4)
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("creates thread", func(t *testing.T) {
		f := newFixture(t, testConfig(1))
		thread := model.NewThreadID()
		f.ingestThread(t, thread, "alice", 2, nil)

		got, err := f.repo.GetThread(ctx, thread)
		gt.NoError(t, err)
		gt.Equal(t, got.ResourceID, model.ResourceID("alice"))
		gt.Equal(t, got.MessageCount, int64(2))

		info, err := f.index.DescribeIndex(ctx, "messages")
		gt.NoError(t, err)
		gt.Equal(t, info.Count, 2)
	})

	t.Run("pointer carries no content", func(t *testing.T) {
		f := newFixture(t, testConfig(1))
		f.ingestThread(t, model.NewThreadID(), "alice", 1, map[int]string{1: "coffee secret"})

		vec, err := f.embedder.Embed(ctx, "coffee")
		gt.NoError(t, err)
		results, err := f.index.Query(ctx, "messages", vec, 1)
		gt.NoError(t, err)
		gt.A(t, results).Length(1)
		for _, v := range results[0].Payload {
			if s, ok := v.(string); ok {
				gt.S(t, s).NotContains("secret")
			}
		}
	})

	t.Run("thread owned by another resource", func(t *testing.T) {
		f := newFixture(t, testConfig(1))
		thread := model.NewThreadID()
		f.ingestThread(t, thread, "alice", 1, nil)

		_, err := f.uc.Ingest(ctx, recall.IngestInput{ThreadID: thread, ResourceID: "bob", Role: model.RoleUser, Content: "hi"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	})

	t.Run("embedding failure keeps stored message", func(t *testing.T) {
		f := newFixture(t, testConfig(1))
		thread := model.NewThreadID()
		f.embedder.err = model.ErrEmbeddingProvider

		msg, err := f.uc.Ingest(ctx, recall.IngestInput{ThreadID: thread, ResourceID: "alice", Role: model.RoleUser, Content: "hello"})
		gt.True(t, errors.Is(err, model.ErrEmbeddingProvider))
		gt.NotNil(t, msg)

		recent, err := f.repo.ListRecentMessages(ctx, thread, 5)
		gt.NoError(t, err)
		gt.A(t, recent).Length(1)

		info, err := f.index.DescribeIndex(ctx, "messages")
		gt.NoError(t, err)
		gt.Equal(t, info.Count, 0)
	})

	t.Run("invalid role", func(t *testing.T) {
		f := newFixture(t, testConfig(1))
		_, err := f.uc.Ingest(ctx, recall.IngestInput{ThreadID: "t", ResourceID: "alice", Role: "bot", Content: "hi"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	})
}
