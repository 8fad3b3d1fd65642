package recall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
)

// RecallInput is the incoming message a window is built for
type RecallInput struct {
	ThreadID   model.ThreadID
	ResourceID model.ResourceID
	Message    string
}

// Gap is a similarity hit whose content could not be resolved
type Gap struct {
	RecordID  string          `json:"record_id"`
	MessageID model.MessageID `json:"message_id,omitempty"`
	ThreadID  model.ThreadID  `json:"thread_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Reason    string          `json:"reason"`
}

// Window is the context injected for one message. Recalled holds similar
// earlier messages with their neighbors in conversation order; Recent is the
// tail of the current thread. A message is never in both.
type Window struct {
	Recalled []*model.Message
	Recent   []*model.Message
	Gaps     []*Gap
}

type hit struct {
	recordID string
	ptr      *model.MessagePointer
}

// Recall builds the window for an incoming message: embed, query similar
// pointers of the resource, expand each hit by MessageRange neighbors, resolve
// all of them in one multi-get, drop what cannot be verified, then order and
// attach the recency window.
func (u *UseCase) Recall(ctx context.Context, input RecallInput) (*Window, error) {
	if input.ThreadID == "" || input.ResourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "thread ID and resource ID are required")
	}
	if input.Message == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message is empty")
	}

	window := &Window{
		Recalled: []*model.Message{},
		Recent:   []*model.Message{},
		Gaps:     []*Gap{},
	}

	if u.cfg.TopK > 0 {
		if err := u.recallSimilar(ctx, input, window); err != nil {
			return nil, err
		}
	}

	recent, err := u.repo.ListRecentMessages(ctx, input.ThreadID, u.cfg.LastMessages)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list recent messages", goerr.V("thread_id", input.ThreadID))
	}
	window.Recent = recent

	// recency window wins over recall for the same message
	inRecent := make(map[model.MessageID]struct{}, len(recent))
	for _, msg := range recent {
		inRecent[msg.ID] = struct{}{}
	}
	recalled := window.Recalled[:0]
	for _, msg := range window.Recalled {
		if _, ok := inRecent[msg.ID]; !ok {
			recalled = append(recalled, msg)
		}
	}
	window.Recalled = recalled

	logging.From(ctx).Debug("recall window built",
		"thread_id", input.ThreadID,
		"recalled", len(window.Recalled),
		"recent", len(window.Recent),
		"gaps", len(window.Gaps))
	return window, nil
}

func (u *UseCase) recallSimilar(ctx context.Context, input RecallInput, window *Window) error {
	logger := logging.From(ctx)

	// 1. embed
	vec, err := u.embedder.Embed(ctx, input.Message)
	if err != nil {
		return goerr.Wrap(err, "failed to embed message")
	}

	// 2. query, scoped to the resource on the client side since payloads
	// cannot be filtered by the index
	results, err := u.index.Query(ctx, u.cfg.Index, vec, u.cfg.TopK*u.cfg.Overfetch)
	if err != nil {
		return goerr.Wrap(err, "failed to query message index", goerr.V("index", u.cfg.Index))
	}

	hits := make([]hit, 0, u.cfg.TopK)
	for _, r := range results {
		if len(hits) >= u.cfg.TopK {
			break
		}
		ptr, err := model.MessagePointerFromPayload(r.Payload)
		if err != nil {
			logger.Warn("skip malformed message pointer", "record_id", r.ID, logging.ErrAttr(err))
			window.Gaps = append(window.Gaps, &Gap{RecordID: r.ID, Reason: "malformed pointer"})
			continue
		}
		if ptr.ResourceID != input.ResourceID {
			continue
		}
		hits = append(hits, hit{recordID: r.ID, ptr: ptr})
	}
	if len(hits) == 0 {
		return nil
	}

	// 3. expand each hit to its symmetric neighborhood, bounded by the thread
	ends := u.threadEnds(ctx, hits)
	positions := make([]model.MessagePosition, 0, len(hits)*(2*u.cfg.MessageRange+1))
	seen := make(map[model.MessagePosition]struct{})
	for _, h := range hits {
		from, to := u.span(h, ends)
		for seq := from; seq <= to; seq++ {
			pos := model.MessagePosition{ThreadID: h.ptr.ThreadID, Seq: seq}
			if _, ok := seen[pos]; ok {
				continue
			}
			seen[pos] = struct{}{}
			positions = append(positions, pos)
		}
	}

	// 4. resolve in one multi-get
	messages, err := u.repo.GetMessagesAt(ctx, positions)
	if err != nil {
		return goerr.Wrap(err, "failed to resolve recalled messages", goerr.V("positions", len(positions)))
	}
	byPos := make(map[model.MessagePosition]*model.Message, len(messages))
	for _, msg := range messages {
		byPos[msg.Position()] = msg
	}

	// verify every anchor; an unverifiable anchor discards its whole
	// neighborhood because its position can no longer be trusted
	byID := make(map[model.MessageID]*model.Message)
	for _, h := range hits {
		anchor, ok := byPos[h.ptr.Position()]
		reason := ""
		switch {
		case !ok:
			reason = "message not found"
		case anchor.ID != h.ptr.MessageID:
			reason = "position holds another message"
		case anchor.ResourceID != input.ResourceID:
			reason = "message belongs to another resource"
		}
		if reason != "" {
			gapErr := goerr.Wrap(model.ErrContentResolutionGap, reason,
				goerr.V("record_id", h.recordID),
				goerr.V("message_id", h.ptr.MessageID),
				goerr.V("thread_id", h.ptr.ThreadID),
				goerr.V("seq", h.ptr.Seq))
			logger.Warn("skip unresolvable recall hit", logging.ErrAttr(gapErr))
			window.Gaps = append(window.Gaps, &Gap{
				RecordID:  h.recordID,
				MessageID: h.ptr.MessageID,
				ThreadID:  h.ptr.ThreadID,
				Seq:       h.ptr.Seq,
				Reason:    reason,
			})
			continue
		}

		from, to := u.span(h, ends)
		for seq := from; seq <= to; seq++ {
			if msg, ok := byPos[model.MessagePosition{ThreadID: h.ptr.ThreadID, Seq: seq}]; ok {
				byID[msg.ID] = msg
			}
		}
	}

	// 5. dedupe and order
	recalled := make([]*model.Message, 0, len(byID))
	for _, msg := range byID {
		recalled = append(recalled, msg)
	}
	sortMessages(recalled)
	window.Recalled = recalled
	return nil
}

// threadEnds returns the latest sequence number of every thread a hit points
// into. Threads that cannot be read are left out and their hits expand
// unbounded; verification reports them later.
func (u *UseCase) threadEnds(ctx context.Context, hits []hit) map[model.ThreadID]int64 {
	ends := make(map[model.ThreadID]int64)
	for _, h := range hits {
		if _, ok := ends[h.ptr.ThreadID]; ok {
			continue
		}
		thread, err := u.repo.GetThread(ctx, h.ptr.ThreadID)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				logging.From(ctx).Warn("failed to get thread of recall hit",
					"thread_id", h.ptr.ThreadID, logging.ErrAttr(err))
			}
			continue
		}
		ends[h.ptr.ThreadID] = thread.MessageCount
	}
	return ends
}

// span is the sequence range of the neighborhood around a hit
func (u *UseCase) span(h hit, ends map[model.ThreadID]int64) (int64, int64) {
	from := max(h.ptr.Seq-int64(u.cfg.MessageRange), 1)
	to := h.ptr.Seq + int64(u.cfg.MessageRange)
	if end, ok := ends[h.ptr.ThreadID]; ok && end >= h.ptr.Seq {
		to = min(to, end)
	}
	return from, to
}

// sortMessages orders by creation time, then thread and sequence so that the
// result is deterministic for equal timestamps
func sortMessages(messages []*model.Message) {
	sort.Slice(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ThreadID != b.ThreadID {
			return a.ThreadID < b.ThreadID
		}
		return a.Seq < b.Seq
	})
}

// Messages returns recalled then recent messages as one sequence
func (w *Window) Messages() []*model.Message {
	out := make([]*model.Message, 0, len(w.Recalled)+len(w.Recent))
	out = append(out, w.Recalled...)
	return append(out, w.Recent...)
}

// Format renders the window as prompt text
func (w *Window) Format() string {
	var b strings.Builder
	if len(w.Recalled) > 0 {
		b.WriteString("## Related earlier messages\n\n")
		var prev model.ThreadID
		for _, msg := range w.Recalled {
			if msg.ThreadID != prev {
				fmt.Fprintf(&b, "[thread %s]\n", msg.ThreadID)
				prev = msg.ThreadID
			}
			writeMessage(&b, msg)
		}
	}
	if len(w.Recent) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Recent messages\n\n")
		for _, msg := range w.Recent {
			writeMessage(&b, msg)
		}
	}
	return b.String()
}

func writeMessage(b *strings.Builder, msg *model.Message) {
	fmt.Fprintf(b, "- #%d %s (%s): %s\n",
		msg.Seq, msg.Role, msg.CreatedAt.Format("2006-01-02 15:04"), msg.Content)
}
