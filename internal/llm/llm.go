// Package llm wraps the OpenAI chat API for the two model passes:
// cheap triage classification and the Finnish case-build report. Both
// run in JSON mode and are retried on malformed output.
package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"git.home.luguber.info/inful/watchdog/internal/retry"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

const (
	TriageModel    = openai.GPT4oMini
	CaseBuildModel = openai.GPT4o

	callTimeout     = 60 * time.Second
	maxParseRetries = 2

	// Rough chars-per-token ratio for Finnish municipal prose.
	charsPerToken = 3.5

	// Completion allowances passed to the API as MaxTokens.
	TriageCompletionTokens = 500
	CaseCompletionTokens   = 1500
)

// usdToEUR converts the published per-token USD rates.
const usdToEUR = 0.92

// eurPerToken holds prompt/completion rates in EUR per single token.
var eurPerToken = map[string]struct{ prompt, completion float64 }{
	TriageModel:    {0.15 * usdToEUR / 1e6, 0.60 * usdToEUR / 1e6},
	CaseBuildModel: {2.50 * usdToEUR / 1e6, 10.00 * usdToEUR / 1e6},
}

// EstimateCost returns the EUR cost of one call. Unknown models are
// priced at the triage rate.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := eurPerToken[model]
	if !ok {
		rate = eurPerToken[TriageModel]
	}
	return float64(promptTokens)*rate.prompt + float64(completionTokens)*rate.completion
}

// estimateTokens approximates the token count of prompt text.
func estimateTokens(s string) int {
	return int(float64(len(s))/charsPerToken) + 1
}

// ProjectedTriageCost bounds the EUR spend of one triage call before it
// is made, assuming the full completion allowance is used. The budget
// gate refuses calls whose projection would cross the monthly cap.
func ProjectedTriageCost(in TriageInput, maxTokens int) float64 {
	prompt := triageSystemPrompt + triageUserPrompt(in, maxTokens)
	return EstimateCost(TriageModel, estimateTokens(prompt), TriageCompletionTokens)
}

// ProjectedCaseCost is the case-build counterpart of ProjectedTriageCost.
func ProjectedCaseCost(in CaseInput, maxTokens int) float64 {
	prompt := caseSystemPrompt + caseUserPrompt(in, maxTokens)
	return EstimateCost(CaseBuildModel, estimateTokens(prompt), CaseCompletionTokens)
}

// Usage reports the token spend of one completed call.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostEUR          float64
}

// TriageResult is the structured verdict of the first model pass.
type TriageResult struct {
	Categories     []string `json:"categories"`
	RelevanceScore float64  `json:"relevance_score"`
	Reason         string   `json:"candidate_reason"`
}

// CaseResult is the structured Finnish report of the second pass.
type CaseResult struct {
	Headline         string         `json:"headline"`
	Summary          string         `json:"summary"`
	Status           string         `json:"status"`
	Timeline         []TimelineItem `json:"timeline"`
	Evidence         []EvidenceItem `json:"evidence"`
	Entities         []string       `json:"entities"`
	Locations        []string       `json:"locations"`
	Confidence       string         `json:"confidence"`
	ConfidenceReason string         `json:"confidence_reason"`
}

type TimelineItem struct {
	Date  string `json:"date"` // ISO yyyy-mm-dd, may be empty
	Event string `json:"event"`
}

type EvidenceItem struct {
	Page    int    `json:"page"`
	Snippet string `json:"snippet"`
}

// TriageInput is the bounded document summary sent to the triage model.
type TriageInput struct {
	Municipality string
	Body         string
	Title        string
	MeetingDate  string
	Headings     string
	Text         string
}

// CaseInput feeds the case-build model.
type CaseInput struct {
	Municipality string
	Body         string
	Title        string
	MeetingDate  string
	Categories   []string
	Text         string
}

// completer is the slice of the OpenAI client we use; tests fake it.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client drives both model passes.
type Client struct {
	api    completer
	policy retry.Policy
	sleep  func(context.Context, time.Duration) error
}

// New builds a Client from an API key.
func New(apiKey string) *Client {
	return newClient(openai.NewClient(apiKey))
}

func newClient(api completer) *Client {
	return &Client{
		api:    api,
		policy: retry.LLMPolicy(),
		sleep:  sleepCtx,
	}
}

// Triage classifies one document. Input text is truncated to the token
// bound before sending.
func (c *Client) Triage(ctx context.Context, in TriageInput, maxTokens int) (*TriageResult, *Usage, error) {
	user := triageUserPrompt(in, maxTokens)
	var result TriageResult
	usage, err := c.complete(ctx, TriageModel, triageSystemPrompt, user, TriageCompletionTokens, &result)
	if err != nil {
		return nil, usage, err
	}
	result.Categories = filterCategories(result.Categories)
	return &result, usage, nil
}

// BuildCase writes the Finnish report for a triaged candidate.
func (c *Client) BuildCase(ctx context.Context, in CaseInput, maxTokens int) (*CaseResult, *Usage, error) {
	user := caseUserPrompt(in, maxTokens)
	var result CaseResult
	usage, err := c.complete(ctx, CaseBuildModel, caseSystemPrompt, user, CaseCompletionTokens, &result)
	if err != nil {
		return nil, usage, err
	}
	if !validConfidence(result.Confidence) {
		result.Confidence = "medium"
	}
	if !validStatus(result.Status) {
		result.Status = "unknown"
	}
	return &result, usage, nil
}

// complete calls the model in JSON mode and unmarshals into out,
// retrying a bounded number of times when the model returns text that
// is not the requested schema. Usage accumulates across attempts so
// the budget ledger sees the real spend.
func (c *Client) complete(ctx context.Context, model, system, user string, maxCompletion int, out any) (*Usage, error) {
	usage := &Usage{Model: model}
	var lastErr error
	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.policy.Delay(attempt-1)); err != nil {
				return usage, werrors.Wrap(err, werrors.KindTimeout, "llm retry wait")
			}
		}

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := c.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
			MaxTokens:      maxCompletion,
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		cancel()
		if err != nil {
			return usage, werrors.WrapRetryable(err, werrors.KindTransport, "llm call")
		}

		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.CostEUR = EstimateCost(model, usage.PromptTokens, usage.CompletionTokens)

		if len(resp.Choices) == 0 {
			lastErr = werrors.New(werrors.KindParseFailure, "llm returned no choices")
			continue
		}
		if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
			lastErr = werrors.Wrap(err, werrors.KindParseFailure, "llm returned malformed json")
			continue
		}
		return usage, nil
	}
	return usage, lastErr
}

// Truncate bounds text to roughly maxTokens, marking the cut.
func Truncate(text string, maxTokens int) string {
	maxChars := int(float64(maxTokens) * charsPerToken)
	if len(text) <= maxChars {
		return text
	}
	// Cut on a rune boundary.
	cut := maxChars
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n\n[...]"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Categories the triage pass may emit; anything else is dropped.
var knownCategories = map[string]struct{}{
	"zoning":                  {},
	"permits_extraction":      {},
	"water_wetlands":          {},
	"industry_infrastructure": {},
}

func filterCategories(cats []string) []string {
	var out []string
	for _, c := range cats {
		c = strings.TrimSpace(strings.ToLower(c))
		if _, ok := knownCategories[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func validConfidence(c string) bool {
	return c == "high" || c == "medium" || c == "low"
}

func validStatus(s string) bool {
	return s == "proposed" || s == "approved" || s == "unknown"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
