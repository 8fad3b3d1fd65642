package memory

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/tool"
	"github.com/m-mizutani/recollect/pkg/usecase/memory"
	"github.com/m-mizutani/recollect/pkg/usecase/recall"
	"google.golang.org/genai"
)

const (
	fnRecall       = "recall_messages"
	fnGetMemory    = "get_working_memory"
	fnUpdateMemory = "update_working_memory"
)

// Tool exposes conversation recall and working memory to the LLM. When the
// resource (and thread) is fixed at construction, the LLM cannot address any
// other one and the ID parameters are not advertised.
type Tool struct {
	recall     *recall.UseCase
	memory     *memory.UseCase
	resourceID model.ResourceID
	threadID   model.ThreadID
}

var _ tool.Tool = (*Tool)(nil)

// Option configures Tool
type Option func(*Tool)

// WithResource binds every call to one resource
func WithResource(resourceID model.ResourceID) Option {
	return func(t *Tool) {
		t.resourceID = resourceID
	}
}

// WithThread binds recall to one thread
func WithThread(threadID model.ThreadID) Option {
	return func(t *Tool) {
		t.threadID = threadID
	}
}

// New creates the memory tool
func New(recallUC *recall.UseCase, memoryUC *memory.UseCase, opts ...Option) *Tool {
	t := &Tool{recall: recallUC, memory: memoryUC}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) withIDs(schema *genai.Schema, thread bool) *genai.Schema {
	if t.resourceID == "" {
		schema.Properties["resource_id"] = &genai.Schema{
			Type:        genai.TypeString,
			Description: "ID of the user owning the conversation",
		}
		schema.Required = append(schema.Required, "resource_id")
	}
	if thread && t.threadID == "" {
		schema.Properties["thread_id"] = &genai.Schema{
			Type:        genai.TypeString,
			Description: "ID of the current conversation thread",
		}
		schema.Required = append(schema.Required, "thread_id")
	}
	return schema
}

// Spec implements tool.Tool
func (t *Tool) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        fnRecall,
				Description: "Find earlier conversation messages related to a text, with surrounding messages and the most recent messages of the current thread",
				Parameters: t.withIDs(&genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"message": {
							Type:        genai.TypeString,
							Description: "Text to find related messages for",
						},
					},
					Required: []string{"message"},
				}, true),
			},
			{
				Name:        fnGetMemory,
				Description: "Read the working memory: facts remembered about the user across conversations",
				Parameters: t.withIDs(&genai.Schema{
					Type:       genai.TypeObject,
					Properties: map[string]*genai.Schema{},
				}, false),
			},
			{
				Name:        fnUpdateMemory,
				Description: "Remember or forget facts about the user. Keep facts short, one value per key.",
				Parameters: t.withIDs(&genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"set": {
							Type:        genai.TypeArray,
							Description: "Facts to add or overwrite",
							Items: &genai.Schema{
								Type: genai.TypeObject,
								Properties: map[string]*genai.Schema{
									"key":   {Type: genai.TypeString, Description: "Fact name, e.g. preferred_language"},
									"value": {Type: genai.TypeString, Description: "Fact value"},
								},
								Required: []string{"key", "value"},
							},
						},
						"delete": {
							Type:        genai.TypeArray,
							Description: "Keys of facts to forget",
							Items:       &genai.Schema{Type: genai.TypeString},
						},
						"note": {
							Type:        genai.TypeString,
							Description: "Replaces the free-form note",
						},
					},
				}, false),
			},
		},
	}
}

// Prompt implements tool.Tool
func (t *Tool) Prompt(ctx context.Context) string {
	return "### Memory\n\nUse " + fnUpdateMemory + " when the user shares a lasting fact about themselves, and " +
		fnRecall + " when the user refers to something discussed earlier."
}

type idsInput struct {
	ResourceID string `json:"resource_id"`
	ThreadID   string `json:"thread_id"`
}

type recallInput struct {
	idsInput
	Message string `json:"message"`
}

type fact struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type updateInput struct {
	idsInput
	Set    []fact   `json:"set"`
	Delete []string `json:"delete"`
	Note   *string  `json:"note"`
}

func (t *Tool) resolveIDs(input idsInput) (model.ResourceID, model.ThreadID) {
	resourceID, threadID := t.resourceID, t.threadID
	if resourceID == "" {
		resourceID = model.ResourceID(input.ResourceID)
	}
	if threadID == "" {
		threadID = model.ThreadID(input.ThreadID)
	}
	return resourceID, threadID
}

type recalledMessage struct {
	ThreadID  model.ThreadID `json:"thread_id"`
	Seq       int64          `json:"seq"`
	Role      model.Role     `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

func toRecalled(messages []*model.Message) []recalledMessage {
	out := make([]recalledMessage, len(messages))
	for i, msg := range messages {
		out[i] = recalledMessage{
			ThreadID:  msg.ThreadID,
			Seq:       msg.Seq,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
	}
	return out
}

// Execute implements tool.Tool
func (t *Tool) Execute(ctx context.Context, fc genai.FunctionCall) (map[string]any, error) {
	switch fc.Name {
	case fnRecall:
		var input recallInput
		if err := tool.DecodeArgs(fc.Args, &input); err != nil {
			return nil, err
		}
		resourceID, threadID := t.resolveIDs(input.idsInput)
		window, err := t.recall.Recall(ctx, recall.RecallInput{
			ThreadID:   threadID,
			ResourceID: resourceID,
			Message:    input.Message,
		})
		if err != nil {
			return nil, err
		}
		return tool.Success(map[string]any{
			"recalled": toRecalled(window.Recalled),
			"recent":   toRecalled(window.Recent),
			"skipped":  len(window.Gaps),
		}), nil

	case fnGetMemory:
		var input idsInput
		if err := tool.DecodeArgs(fc.Args, &input); err != nil {
			return nil, err
		}
		resourceID, _ := t.resolveIDs(input)
		wm, err := t.memory.Get(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		return tool.Success(wm), nil

	case fnUpdateMemory:
		var input updateInput
		if err := tool.DecodeArgs(fc.Args, &input); err != nil {
			return nil, err
		}
		resourceID, _ := t.resolveIDs(input.idsInput)
		var set map[string]string
		if len(input.Set) > 0 {
			set = make(map[string]string, len(input.Set))
			for _, f := range input.Set {
				set[f.Key] = f.Value
			}
		}
		wm, err := t.memory.Update(ctx, resourceID, memory.Patch{
			Set:    set,
			Delete: input.Delete,
			Note:   input.Note,
		})
		if err != nil {
			return nil, err
		}
		return tool.Success(wm), nil

	default:
		return nil, goerr.Wrap(model.ErrInvalidArgument, "unknown function", goerr.V("name", fc.Name))
	}
}
