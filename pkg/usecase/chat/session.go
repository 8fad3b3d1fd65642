package chat

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/tool"
	"github.com/m-mizutani/recollect/pkg/usecase/memory"
	"github.com/m-mizutani/recollect/pkg/usecase/recall"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/system.md
var systemPromptRaw string

var systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))

// DefaultMaxRounds bounds the function call loop of one turn
const DefaultMaxRounds = 8

// Session is one conversation thread of a resource with the assistant
type Session struct {
	gemini   adapter.Gemini
	recall   *recall.UseCase
	memory   *memory.UseCase
	registry *tool.Registry

	threadID   model.ThreadID
	resourceID model.ResourceID
	maxRounds  int
}

// NewInput contains parameters for creating a new chat session
type NewInput struct {
	Gemini     adapter.Gemini
	Recall     *recall.UseCase
	Memory     *memory.UseCase
	Registry   *tool.Registry
	ResourceID model.ResourceID
	ThreadID   model.ThreadID // Optional: specify to continue an existing thread
	MaxRounds  int
}

// ToolCall records one function call made during a turn
type ToolCall struct {
	Name    string
	Args    map[string]any
	Success bool
}

// Reply is the outcome of one turn
type Reply struct {
	Text      string
	ToolCalls []ToolCall
	Window    *recall.Window
}

func New(input NewInput) (*Session, error) {
	if input.Gemini == nil || input.Recall == nil || input.Memory == nil {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "gemini, recall and memory are required")
	}
	if input.ResourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "resource ID is required")
	}

	s := &Session{
		gemini:     input.Gemini,
		recall:     input.Recall,
		memory:     input.Memory,
		registry:   input.Registry,
		threadID:   input.ThreadID,
		resourceID: input.ResourceID,
		maxRounds:  input.MaxRounds,
	}
	if s.threadID == "" {
		s.threadID = model.NewThreadID()
	}
	if s.maxRounds <= 0 {
		s.maxRounds = DefaultMaxRounds
	}
	if s.registry == nil {
		s.registry = tool.New()
	}
	return s, nil
}

// ThreadID returns the thread the session writes to
func (s *Session) ThreadID() model.ThreadID {
	return s.threadID
}

// Send runs one turn: recall context for the message, let the model answer
// with tools, and store both the message and the reply in the thread.
func (s *Session) Send(ctx context.Context, message string) (*Reply, error) {
	if strings.TrimSpace(message) == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "message is empty")
	}
	logger := logging.From(ctx)

	// recall before ingesting so the message does not find itself
	window, err := s.recall.Recall(ctx, recall.RecallInput{
		ThreadID:   s.threadID,
		ResourceID: s.resourceID,
		Message:    message,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build recall window")
	}
	wm, err := s.memory.Get(ctx, s.resourceID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get working memory")
	}

	if _, err := s.recall.Ingest(ctx, s.ingestInput(model.RoleUser, message)); err != nil {
		// a stored but unindexed message is still part of the thread
		logger.Warn("failed to ingest user message", logging.ErrAttr(err))
	}

	contents := historyContents(window.Recent)
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	prompt := promptInput{
		Tools:     s.registry.Prompts(ctx),
		Memory:    memory.Format(wm),
		Recalled:  (&recall.Window{Recalled: window.Recalled}).Format(),
		MaxRounds: s.maxRounds,
	}

	reply := &Reply{Window: window}
	config := &genai.GenerateContentConfig{Tools: s.registry.Specs()}

	for round := 1; ; round++ {
		prompt.Round = round
		systemPrompt, err := prompt.render()
		if err != nil {
			return nil, err
		}
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, "")
		if round > s.maxRounds {
			// force a text answer once the tool budget is spent
			config.Tools = nil
		}

		resp, err := s.gemini.GenerateContent(ctx, contents, config)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to generate content", goerr.V("round", round))
		}

		var texts []string
		var responses []*genai.Part
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			contents = append(contents, candidate.Content)

			for _, part := range candidate.Content.Parts {
				if part.Text != "" && !part.Thought {
					texts = append(texts, part.Text)
				}
				if part.FunctionCall == nil {
					continue
				}

				funcResp := s.registry.Execute(ctx, *part.FunctionCall)
				reply.ToolCalls = append(reply.ToolCalls, ToolCall{
					Name:    part.FunctionCall.Name,
					Args:    part.FunctionCall.Args,
					Success: tool.IsSuccess(funcResp.Response),
				})
				responses = append(responses, &genai.Part{FunctionResponse: funcResp})
			}
		}

		if len(responses) > 0 && config.Tools != nil {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responses})
			continue
		}

		reply.Text = strings.Join(texts, "")
		break
	}

	if reply.Text != "" {
		if _, err := s.recall.Ingest(ctx, s.ingestInput(model.RoleAssistant, reply.Text)); err != nil {
			logger.Warn("failed to ingest reply", logging.ErrAttr(err))
		}
	}

	logger.Debug("chat turn done",
		"thread_id", s.threadID,
		"recalled", len(window.Recalled),
		"recent", len(window.Recent),
		"tool_calls", len(reply.ToolCalls))

	return reply, nil
}

func (s *Session) ingestInput(role model.Role, content string) recall.IngestInput {
	return recall.IngestInput{
		ThreadID:   s.threadID,
		ResourceID: s.resourceID,
		Role:       role,
		Content:    content,
	}
}

type promptInput struct {
	Tools     string
	Memory    string
	Recalled  string
	Round     int
	MaxRounds int
}

func (p promptInput) render() (string, error) {
	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, p); err != nil {
		return "", goerr.Wrap(err, "failed to execute system prompt template")
	}
	return buf.String(), nil
}

// historyContents turns the recency window into model turns
func historyContents(messages []*model.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}
	return contents
}
