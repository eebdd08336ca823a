package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/service"
)

// maxPlanLines bounds how much of the analysis is echoed to the job log.
const maxPlanLines = 50

const architectPrompt = `You are a senior software architect. You are pragmatic and prioritize correctness, testability and clear boundaries.
Analyze the code according to the user's instruction. Identify the top 3 critical issues (for example global state, missing types, tight coupling, poor naming), then propose a short refactoring plan.
Answer with a bullet list of the issues followed by the plan.`

const developerPrompt = `You are a senior developer. Refactor the code according to the instruction and the architect plan.
Keep behavior changes minimal unless the instruction requires them.
Output ONLY the refactored code. Do NOT wrap it in markdown fences and do not add explanations.`

// LLMConfig selects the chat completion endpoint used for refactoring.
// When TokenURL is set, requests carry an OAuth2 client-credentials token
// instead of APIKey.
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Enabled reports whether an endpoint is configured.
func (c LLMConfig) Enabled() bool {
	return c.APIKey != "" || c.TokenURL != ""
}

// RefactorArgs are the arguments of start_refactoring_job.
type RefactorArgs struct {
	CodeSnippet string `json:"code_snippet" validate:"required" jsonschema:"description=Source code to refactor"`
	Instruction string `json:"instruction" validate:"required" jsonschema:"description=What the refactoring should achieve"`
}

// RefactorResult is the result of a refactoring job.
type RefactorResult struct {
	Plan string `json:"plan"`
	Code string `json:"code"`
}

// Refactorer runs the two-step refactoring agent: an architect analysis
// followed by a code-only rewrite that sees the analysis.
type Refactorer struct {
	client *openai.Client
	model  string
}

// NewRefactorer creates a Refactorer for cfg.
func NewRefactorer(cfg LLMConfig) *Refactorer {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		conf.HTTPClient = cc.Client(context.Background())
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4TurboPreview
	}
	return &Refactorer{client: openai.NewClientWithConfig(conf), model: model}
}

// Run is the job body of start_refactoring_job.
func (r *Refactorer) Run(ctx context.Context, job *service.JobHandle, args RefactorArgs) (any, error) {
	if err := job.Append(ctx, "Starting refactoring agent..."); err != nil {
		return nil, err
	}
	if err := job.Appendf(ctx, "Model: %s", r.model); err != nil {
		return nil, err
	}

	task := fmt.Sprintf("INSTRUCTION:\n%s\n\nCODE:\n%s\n", args.Instruction, args.CodeSnippet)

	if err := job.Append(ctx, "Step 1/2: analyzing code..."); err != nil {
		return nil, err
	}
	plan, err := r.complete(ctx, architectPrompt, task)
	if err != nil {
		return nil, err
	}
	if err := job.Append(ctx, "Analysis:"); err != nil {
		return nil, err
	}
	planLines := strings.Split(plan, "\n")
	if len(planLines) > maxPlanLines {
		planLines = planLines[:maxPlanLines]
	}
	for _, line := range planLines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := job.Append(ctx, line); err != nil {
			return nil, err
		}
	}

	if err := job.Append(ctx, "Step 2/2: refactoring..."); err != nil {
		return nil, err
	}
	code, err := r.complete(ctx, developerPrompt, task+"\nARCHITECT PLAN:\n"+plan+"\n")
	if err != nil {
		return nil, err
	}
	code = stripFences(code)

	if err := job.Append(ctx, "Refactor completed successfully."); err != nil {
		return nil, err
	}
	return &RefactorResult{Plan: plan, Code: code}, nil
}

func (r *Refactorer) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &domain.JobError{Code: "llm_error", Message: err.Error()}
	}
	if len(resp.Choices) == 0 {
		return "", &domain.JobError{Code: "llm_error", Message: "empty choices"}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
