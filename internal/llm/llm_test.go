package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI returns one canned response per call.
type fakeAPI struct {
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return openai.ChatCompletionResponse{}, assert.AnError
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func chatResponse(content string, promptTokens, completionTokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
		Usage:   openai.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
	}
}

func testClient(api *fakeAPI) *Client {
	c := newClient(api)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestTriageParsesVerdict(t *testing.T) {
	api := &fakeAPI{responses: []openai.ChatCompletionResponse{
		chatResponse(`{"categories":["zoning","ZONING","budget"],"relevance_score":0.82,"candidate_reason":"rantakaava muutos"}`, 1200, 60),
	}}
	c := testClient(api)

	result, usage, err := c.Triage(context.Background(), TriageInput{
		Municipality: "Kittilä",
		Body:         "Kunnanhallitus",
		Title:        "Rantayleiskaavan muutos",
		Text:         "kaavaselostus",
	}, 4000)
	require.NoError(t, err)
	assert.Equal(t, []string{"zoning", "zoning"}, result.Categories, "unknown categories are dropped, case folded")
	assert.InDelta(t, 0.82, result.RelevanceScore, 1e-9)

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	assert.Equal(t, TriageModel, req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	assert.Contains(t, req.Messages[1].Content, "Kittilä")
	assert.Contains(t, req.Messages[1].Content, "Rantayleiskaavan muutos")

	require.NotNil(t, usage)
	assert.Equal(t, 1200, usage.PromptTokens)
	assert.InDelta(t, EstimateCost(TriageModel, 1200, 60), usage.CostEUR, 1e-12)
}

func TestCompleteRetriesMalformedJSON(t *testing.T) {
	api := &fakeAPI{responses: []openai.ChatCompletionResponse{
		chatResponse(`I think this document is about zoning`, 100, 20),
		chatResponse(`{"categories":["water_wetlands"],"relevance_score":0.7,"candidate_reason":"ojitus"}`, 100, 20),
	}}
	c := testClient(api)

	result, usage, err := c.Triage(context.Background(), TriageInput{Title: "Ojitusilmoitus"}, 4000)
	require.NoError(t, err)
	assert.Equal(t, []string{"water_wetlands"}, result.Categories)
	assert.Len(t, api.requests, 2)
	assert.Equal(t, 200, usage.PromptTokens, "both attempts count against the budget")
}

func TestCompleteGivesUpAfterParseRetries(t *testing.T) {
	bad := chatResponse(`not json`, 50, 5)
	api := &fakeAPI{responses: []openai.ChatCompletionResponse{bad, bad, bad}}
	c := testClient(api)

	_, _, err := c.Triage(context.Background(), TriageInput{Title: "x"}, 4000)
	require.Error(t, err)
	assert.Len(t, api.requests, 3, "one call plus two parse retries")
}

func TestBuildCaseNormalizesEnums(t *testing.T) {
	api := &fakeAPI{responses: []openai.ChatCompletionResponse{
		chatResponse(`{"headline":"Maa-aineslupa vireillä","summary":"Muistutusaika päättyy 15.2.2025",
			"status":"pending","timeline":[{"date":"2025-02-15","event":"Muistutusaika päättyy"}],
			"evidence":[{"page":3,"snippet":"ottomäärä 50 000 m3"}],
			"entities":["Lapin Sora Oy"],"locations":["Kittilä"],
			"confidence":"certain","confidence_reason":"selkeä hakemus"}`, 4000, 700),
	}}
	c := testClient(api)

	result, usage, err := c.BuildCase(context.Background(), CaseInput{
		Municipality: "Kittilä",
		Categories:   []string{"permits_extraction"},
		Text:         "lupahakemus",
	}, 8000)
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.Status, "out-of-enum status falls back")
	assert.Equal(t, "medium", result.Confidence, "out-of-enum confidence falls back")
	assert.Equal(t, CaseBuildModel, usage.Model)
	assert.Equal(t, CaseBuildModel, api.requests[0].Model)
}

func TestTruncateMarksTheCut(t *testing.T) {
	long := strings.Repeat("ympäristölupa ", 2000)
	got := Truncate(long, 100)
	assert.True(t, strings.HasSuffix(got, "[...]"))
	assert.Less(t, len(got), 400)

	short := "lyhyt teksti"
	assert.Equal(t, short, Truncate(short, 100))
}

func TestEstimateCost(t *testing.T) {
	// 1M prompt tokens of gpt-4o-mini cost 0.15 USD = 0.138 EUR.
	assert.InDelta(t, 0.138, EstimateCost(TriageModel, 1_000_000, 0), 1e-9)
	assert.InDelta(t, 9.2, EstimateCost(CaseBuildModel, 0, 1_000_000), 1e-9)
	assert.Greater(t, EstimateCost(CaseBuildModel, 1000, 100), EstimateCost(TriageModel, 1000, 100))
}

func TestProjectedCostBoundsTheUpcomingCall(t *testing.T) {
	in := TriageInput{Municipality: "Kittilä", Title: "Maa-aineslupa", Text: strings.Repeat("ottoalue ", 100)}

	got := ProjectedTriageCost(in, 4000)
	// At minimum the full completion allowance is priced in.
	assert.GreaterOrEqual(t, got, EstimateCost(TriageModel, 0, TriageCompletionTokens))

	longer := in
	longer.Text = strings.Repeat("ottoalue ", 1000)
	assert.Greater(t, ProjectedTriageCost(longer, 4000), got, "more prompt text projects more spend")

	// The projection respects the truncation bound: text beyond the
	// token budget does not inflate it.
	capped := in
	capped.Text = strings.Repeat("ottoalue ", 100_000)
	assert.Less(t, ProjectedTriageCost(capped, 4000), EstimateCost(TriageModel, 5000, TriageCompletionTokens))

	assert.Greater(t, ProjectedCaseCost(CaseInput{Text: in.Text}, 8000), got, "case build projects at the expensive model's rate")
}
