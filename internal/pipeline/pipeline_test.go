package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/watchdog/internal/config"
	"git.home.luguber.info/inful/watchdog/internal/connector"
	"git.home.luguber.info/inful/watchdog/internal/gateway"
	"git.home.luguber.info/inful/watchdog/internal/llm"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

type fakeDownloader struct {
	content map[string][]byte
	err     error
	calls   int
}

func (d *fakeDownloader) Fetch(context.Context, string) (*gateway.Response, error) {
	panic("not used")
}

func (d *fakeDownloader) Download(_ context.Context, rawURL, destPath, _ string) (int64, string, error) {
	d.calls++
	if d.err != nil {
		return 0, "", d.err
	}
	body, ok := d.content[rawURL]
	if !ok {
		return 0, "", werrors.New(werrors.KindStatus4xx, "404")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, "", err
	}
	if err := os.WriteFile(destPath, body, 0o644); err != nil {
		return 0, "", err
	}
	return int64(len(body)), "application/pdf", nil
}

type fakeClassifier struct {
	triage    func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error)
	buildCase func(llm.CaseInput) (*llm.CaseResult, *llm.Usage, error)

	triageCalls int
	caseCalls   int
}

func (c *fakeClassifier) Triage(_ context.Context, in llm.TriageInput, _ int) (*llm.TriageResult, *llm.Usage, error) {
	c.triageCalls++
	return c.triage(in)
}

func (c *fakeClassifier) BuildCase(_ context.Context, in llm.CaseInput, _ int) (*llm.CaseResult, *llm.Usage, error) {
	c.caseCalls++
	return c.buildCase(in)
}

type fakeExtractor struct {
	text     string
	pages    int
	ocrText  string
	ocrCalls int
}

func (e *fakeExtractor) ExtractText(context.Context, string) (string, int, error) {
	return e.text, e.pages, nil
}

func (e *fakeExtractor) OCR(context.Context, string) (string, error) {
	e.ocrCalls++
	return e.ocrText, nil
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		StoragePath:         t.TempDir(),
		LLMMonthlyBudgetEUR: 10,
		TriageMaxTokens:     4000,
		CaseBuildMaxTokens:  8000,
	}
}

func newTestPipeline(t *testing.T, dl Downloader, cls Classifier, ex Extractor) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, dl, cls, ex, testSettings(t), nil), st
}

func addSource(t *testing.T, st *store.Store) int64 {
	t.Helper()
	id, err := st.AddSource(context.Background(), &store.Source{
		Municipality: "Sodankylä",
		Platform:     store.PlatformTWeb,
		BaseURL:      "https://sodankyla.fi",
		Enabled:      true,
	})
	require.NoError(t, err)
	return id
}

func addDocument(t *testing.T, st *store.Store, srcID int64, title string, urls []string) int64 {
	t.Helper()
	id, _, err := st.UpsertDocument(context.Background(), &store.Document{
		SourceID:   srcID,
		ExternalID: "ext-" + strings.ToLower(strings.ReplaceAll(title, " ", "-")),
		DocType:    "minutes",
		Title:      title,
		Body:       "Sivistyslautakunta",
		SourceURL:  "https://sodankyla.fi/doc",
	}, urls)
	require.NoError(t, err)
	return id
}

// advanceToExtracted walks a document to extracted with the given text
// on its single file, bypassing the fetch and extract stages.
func advanceToExtracted(t *testing.T, st *store.Store, docID int64, text string) {
	t.Helper()
	ctx := context.Background()
	files, err := st.FilesByDocument(ctx, docID)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		require.NoError(t, st.MarkFileFetched(ctx, f.ID, "1/1.pdf", "application/pdf", 100))
		require.NoError(t, st.SetFileText(ctx, f.ID, store.TextExtracted, text))
	}
	ok, err := st.TransitionDocument(ctx, docID, store.DocNew, store.DocFetched)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.TransitionDocument(ctx, docID, store.DocFetched, store.DocExtracted)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFetchDownloadsHashesAndAdvances(t *testing.T) {
	dl := &fakeDownloader{content: map[string][]byte{
		"https://sodankyla.fi/a.pdf": []byte("%PDF-1.4 aaa"),
		"https://sodankyla.fi/b.pdf": []byte("%PDF-1.4 bbb"),
	}}
	p, st := newTestPipeline(t, dl, nil, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Pöytäkirja", []string{"https://sodankyla.fi/a.pdf", "https://sodankyla.fi/b.pdf"})

	worked, err := p.RunFetchOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocFetched, doc.Status)
	assert.Len(t, doc.ContentHash, 64)

	files, err := st.FilesByDocument(ctx, docID)
	require.NoError(t, err)
	for _, f := range files {
		assert.NotEmpty(t, f.StoragePath)
		assert.Equal(t, "application/pdf", f.MIME)
	}

	// Nothing left in new: a second run finds no work.
	worked, err = p.RunFetchOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestFetchRetryCapParksDocument(t *testing.T) {
	dl := &fakeDownloader{err: werrors.Retryable(werrors.KindTimeout, "slow upstream")}
	p, st := newTestPipeline(t, dl, nil, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Esityslista", []string{"https://sodankyla.fi/a.pdf"})

	for i := 0; i < fetchRetryCap; i++ {
		doc, err := st.GetDocument(ctx, docID)
		require.NoError(t, err)
		require.Equal(t, store.DocNew, doc.Status, "attempt %d starts from new", i+1)

		worked, err := p.RunFetchOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocError, doc.Status)
	assert.Contains(t, doc.LastFailure, "timeout")
}

func TestFetchPermanentFailureParksImmediately(t *testing.T) {
	dl := &fakeDownloader{err: werrors.New(werrors.KindContentMismatch, "got text/html")}
	p, st := newTestPipeline(t, dl, nil, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Kuulutus", []string{"https://sodankyla.fi/a.pdf"})

	_, err := p.RunFetchOnce(ctx)
	require.NoError(t, err)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocError, doc.Status)
	assert.Equal(t, 1, dl.calls)
}

func TestExtractFallsBackToOCRForScannedPDF(t *testing.T) {
	// Six pages but almost no embedded text: a scan.
	ex := &fakeExtractor{text: "Kokous 12.3. klo 17", pages: 6, ocrText: strings.Repeat("ympäristölupa ", 50)}
	dl := &fakeDownloader{content: map[string][]byte{"https://sodankyla.fi/a.pdf": []byte("%PDF-")}}
	p, st := newTestPipeline(t, dl, nil, ex)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Skannattu pöytäkirja", []string{"https://sodankyla.fi/a.pdf"})

	_, err := p.RunFetchOnce(ctx)
	require.NoError(t, err)
	worked, err := p.RunExtractOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	assert.Equal(t, 1, ex.ocrCalls)
	files, err := st.FilesByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.TextOCRDone, files[0].TextStatus)
	assert.Contains(t, files[0].TextContent, "ympäristölupa")

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocExtracted, doc.Status)
}

func TestExtractKeepsEmbeddedTextWhenSubstantial(t *testing.T) {
	ex := &fakeExtractor{text: strings.Repeat("asemakaavan muutos korttelissa 12 ", 20), pages: 6}
	dl := &fakeDownloader{content: map[string][]byte{"https://sodankyla.fi/a.pdf": []byte("%PDF-")}}
	p, st := newTestPipeline(t, dl, nil, ex)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Pöytäkirja", []string{"https://sodankyla.fi/a.pdf"})

	_, err := p.RunFetchOnce(ctx)
	require.NoError(t, err)
	_, err = p.RunExtractOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, ex.ocrCalls)
	files, err := st.FilesByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.TextExtracted, files[0].TextStatus)
}

func TestTriageShortCircuitsWithoutKeywords(t *testing.T) {
	cls := &fakeClassifier{}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Koulukuljetukset lukuvuonna 2026-2027", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Lautakunta päätti koulukuljetusten reiteistä ja aikatauluista.")

	worked, err := p.RunTriageOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	assert.Equal(t, 0, cls.triageCalls, "no model call for an obvious miss")
	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)
	require.NotNil(t, doc.TriageScore)
	assert.Equal(t, 0.0, *doc.TriageScore)
}

func TestTriageScoreBelowThresholdGoesToProcessed(t *testing.T) {
	cls := &fakeClassifier{triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
		return &llm.TriageResult{RelevanceScore: 0.49, Categories: []string{"zoning"}, Reason: "vague"},
			&llm.Usage{Model: "gpt-4o-mini", PromptTokens: 500, CompletionTokens: 40, CostEUR: 0.001}, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Asemakaavan vireilletulo", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Asemakaavan muutos mainittiin ohimennen.")

	_, err := p.RunTriageOnce(ctx)
	require.NoError(t, err)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)
	require.NotNil(t, doc.TriageScore)
	assert.Equal(t, 0.49, *doc.TriageScore)
}

func TestTriageScoreAtThresholdBecomesCandidate(t *testing.T) {
	cls := &fakeClassifier{triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
		return &llm.TriageResult{RelevanceScore: 0.5, Categories: []string{"permits_extraction"}, Reason: "maa-aineslupa"},
			&llm.Usage{Model: "gpt-4o-mini", PromptTokens: 500, CompletionTokens: 40, CostEUR: 0.001}, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Maa-aineslupa Palsaselkä", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Maa-ainesten ottolupa, hakija Maansiirto Oy.")

	_, err := p.RunTriageOnce(ctx)
	require.NoError(t, err)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocExtracted, doc.Status, "candidate waits for case build")

	// The case-build claim now sees it.
	claimed, ok, err := st.ClaimNext(ctx, store.StageCaseBuild)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, docID, claimed.ID)
	st.Release(claimed.ID)
}

func TestTriagePausesWhenBudgetExhausted(t *testing.T) {
	cls := &fakeClassifier{triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
		t.Fatal("model must not be called over budget")
		return nil, nil, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Ympäristölupa", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Ympäristölupahakemus kalankasvatukselle.")

	require.NoError(t, st.RecordLLMUsage(ctx, &store.LLMUsage{
		DocumentID: docID, Model: "gpt-4o", Stage: "case_build",
		PromptTokens: 1, CompletionTokens: 1, EstimatedCostEUR: 10.0,
	}))

	worked, err := p.RunTriageOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocExtracted, doc.Status, "document waits for the next budget window")
	assert.Equal(t, "llm_budget_exhausted", doc.LastFailure)
}

func TestTriageSkipsWhenProjectedCostCrossesBudget(t *testing.T) {
	cls := &fakeClassifier{triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
		t.Fatal("model must not be called when the projection crosses the cap")
		return nil, nil, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Ympäristölupa", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Ympäristölupahakemus kalankasvatukselle.")

	// Spend sits just under the cap; the headroom left is smaller than
	// the projection of even a minimal triage call.
	require.NoError(t, st.RecordLLMUsage(ctx, &store.LLMUsage{
		DocumentID: docID, Model: "gpt-4o", Stage: "case_build",
		PromptTokens: 1, CompletionTokens: 1, EstimatedCostEUR: 9.9999,
	}))

	worked, err := p.RunTriageOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	assert.Equal(t, 0, cls.triageCalls)
	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocExtracted, doc.Status, "document waits for the next budget window")
	assert.Equal(t, "llm_budget_exhausted", doc.LastFailure)
	assert.Nil(t, doc.TriageScore)
}

func TestRefetchUnchangedBytesSkipsReprocessing(t *testing.T) {
	dl := &fakeDownloader{content: map[string][]byte{"https://sodankyla.fi/a.pdf": []byte("%PDF- kaava v1")}}
	ex := &fakeExtractor{text: strings.Repeat("Asemakaavan muutos mainittiin ohimennen ", 10), pages: 2}
	cls := &fakeClassifier{triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
		return &llm.TriageResult{RelevanceScore: 0.49, Categories: []string{"zoning"}, Reason: "vague"},
			&llm.Usage{Model: "gpt-4o-mini", PromptTokens: 500, CompletionTokens: 40, CostEUR: 0.001}, nil
	}}
	p, st := newTestPipeline(t, dl, cls, ex)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Asemakaava", []string{"https://sodankyla.fi/a.pdf"})

	require.NoError(t, p.RunPipeline(ctx))
	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, store.DocProcessed, doc.Status)
	require.Equal(t, 1, cls.triageCalls)

	// The listing metadata changes but the PDF bytes do not: one extra
	// download, no model call, straight back to processed.
	_, _, err = st.UpsertDocument(ctx, &store.Document{
		SourceID: srcID, ExternalID: "ext-asemakaava", DocType: "minutes",
		Title: "Asemakaava (korjattu)", Body: "Sivistyslautakunta", SourceURL: "https://sodankyla.fi/doc",
	}, []string{"https://sodankyla.fi/a.pdf"})
	require.NoError(t, err)
	doc, err = st.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, store.DocNew, doc.Status)

	require.NoError(t, p.RunPipeline(ctx))

	doc, err = st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)
	assert.Equal(t, 1, cls.triageCalls, "unchanged bytes spend nothing on the model")
	assert.Equal(t, 2, dl.calls)
}

func TestRefetchChangedBytesRetriages(t *testing.T) {
	dl := &fakeDownloader{content: map[string][]byte{"https://sodankyla.fi/a.pdf": []byte("%PDF- kaava v1")}}
	ex := &fakeExtractor{text: strings.Repeat("Asemakaavan muutos kortteli 7 ", 10), pages: 2}
	cls := &fakeClassifier{triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
		return &llm.TriageResult{RelevanceScore: 0.49, Categories: []string{"zoning"}, Reason: "vague"},
			&llm.Usage{Model: "gpt-4o-mini", PromptTokens: 500, CompletionTokens: 40, CostEUR: 0.001}, nil
	}}
	p, st := newTestPipeline(t, dl, cls, ex)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Asemakaava", []string{"https://sodankyla.fi/a.pdf"})

	require.NoError(t, p.RunPipeline(ctx))
	require.Equal(t, 1, cls.triageCalls)

	// Upstream replaced the PDF behind the same listing entry.
	dl.content["https://sodankyla.fi/a.pdf"] = []byte("%PDF- kaava v2 hyväksytty")
	ex.text = strings.Repeat("Asemakaavan muutos hyväksyttiin ", 10)
	_, _, err := st.UpsertDocument(ctx, &store.Document{
		SourceID: srcID, ExternalID: "ext-asemakaava", DocType: "minutes",
		Title: "Asemakaava (hyväksytty)", Body: "Sivistyslautakunta", SourceURL: "https://sodankyla.fi/doc",
	}, []string{"https://sodankyla.fi/a.pdf"})
	require.NoError(t, err)

	require.NoError(t, p.RunPipeline(ctx))

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)
	assert.Equal(t, 2, cls.triageCalls, "changed bytes void the stored verdict")

	files, err := st.FilesByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0].TextContent, "hyväksyttiin")
}

func TestCaseBuildCreatesCaseWithTimeline(t *testing.T) {
	cls := &fakeClassifier{buildCase: func(in llm.CaseInput) (*llm.CaseResult, *llm.Usage, error) {
		assert.Equal(t, []string{"permits_extraction"}, in.Categories)
		return &llm.CaseResult{
			Headline:         "Maa-aineslupa Palsaselän sora-alueelle",
			Summary:          "Lautakunta myönsi maa-ainesluvan.",
			Status:           "approved",
			Confidence:       "high",
			ConfidenceReason: "Päätös pöytäkirjassa",
			Entities:         []string{"Maansiirto Oy"},
			Locations:        []string{"Palsaselkä"},
			Evidence:         []llm.EvidenceItem{{Page: 4, Snippet: "Lautakunta päätti myöntää luvan."}},
			Timeline: []llm.TimelineItem{
				{Date: "2026-03-12", Event: "Lupa hyväksyttiin"},
				{Date: "2026-03-20", Event: "Valitusaika päättyy"},
			},
		}, &llm.Usage{Model: "gpt-4o", PromptTokens: 3000, CompletionTokens: 400, CostEUR: 0.01}, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Maa-aineslupa", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Maa-aineslupa, hakija Maansiirto Oy, Palsaselkä.")
	require.NoError(t, st.RecordTriage(ctx, docID, 0.82, []string{"permits_extraction"}, "lupa"))

	worked, err := p.RunCaseBuildOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	caseIDs, err := st.CasesForDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, caseIDs, 1)

	c, err := st.GetCase(ctx, caseIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "permits_extraction", c.PrimaryCategory)
	assert.Equal(t, store.CaseApproved, c.Status)
	assert.Equal(t, []string{"Sodankylä"}, c.Municipalities)

	events, err := st.EventsByCase(ctx, caseIDs[0])
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "approved", events[0].EventType)
	assert.Equal(t, "complaint_window", events[1].EventType)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)
}

func TestCaseBuildMergesSameMatter(t *testing.T) {
	cls := &fakeClassifier{buildCase: func(llm.CaseInput) (*llm.CaseResult, *llm.Usage, error) {
		return &llm.CaseResult{
			Headline:   "Maa-aineslupa Palsaselän sora-alueelle",
			Summary:    "Kuulutus nähtävilläolosta.",
			Status:     "unknown",
			Confidence: "medium",
			Entities:   []string{"maansiirto oy"},
			Locations:  []string{"Palsaselkä"},
			Evidence:   []llm.EvidenceItem{{Page: 1, Snippet: "Kuulutus"}},
		}, &llm.Usage{Model: "gpt-4o", PromptTokens: 2000, CompletionTokens: 300, CostEUR: 0.008}, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)

	firstDoc := addDocument(t, st, srcID, "Ensimmäinen asiakirja", []string{"https://sodankyla.fi/a.pdf"})
	caseID, err := st.CreateCase(ctx, &store.Case{
		PrimaryCategory: "permits_extraction",
		Headline:        "Maa-aineslupa Palsaselän sora-alueelle",
		Status:          store.CaseApproved,
		Confidence:      store.ConfidenceHigh,
		Municipalities:  []string{"Sodankylä"},
		Entities:        []string{"Maansiirto Oy"},
		Locations:       []string{"Palsaselkä"},
	}, []*store.Evidence{{DocumentID: firstDoc, Snippet: "Päätös"}})
	require.NoError(t, err)

	docID := addDocument(t, st, srcID, "Kuulutus maa-ainesluvasta", []string{"https://sodankyla.fi/b.pdf"})
	advanceToExtracted(t, st, docID, "Kuulutus: maa-aineslupa nähtävillä.")
	require.NoError(t, st.RecordTriage(ctx, docID, 0.9, []string{"permits_extraction"}, "kuulutus"))

	_, err = p.RunCaseBuildOnce(ctx)
	require.NoError(t, err)

	caseIDs, err := st.CasesForDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, []int64{caseID}, caseIDs, "no second case for the same matter")

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, store.CaseApproved, c.Status, "unknown status from a kuulutus does not clobber")

	events, err := st.EventsByCase(ctx, caseID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evidence_added", events[0].EventType)
}

func TestCaseBuildIsIdempotentAfterCrash(t *testing.T) {
	cls := &fakeClassifier{buildCase: func(llm.CaseInput) (*llm.CaseResult, *llm.Usage, error) {
		t.Fatal("model must not run again for a document that already has cases")
		return nil, nil, nil
	}}
	p, st := newTestPipeline(t, nil, cls, nil)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Ympäristölupa", []string{"https://sodankyla.fi/a.pdf"})
	advanceToExtracted(t, st, docID, "Ympäristölupa myönnettiin.")
	require.NoError(t, st.RecordTriage(ctx, docID, 0.8, []string{"permits_extraction"}, "lupa"))

	// Crash scenario: case exists but the status commit never happened.
	_, err := st.CreateCase(ctx, &store.Case{
		PrimaryCategory: "permits_extraction",
		Headline:        "Ympäristölupa",
		Status:          store.CaseApproved,
		Confidence:      store.ConfidenceMedium,
		Municipalities:  []string{"Sodankylä"},
	}, []*store.Evidence{{DocumentID: docID, Snippet: "Päätös"}})
	require.NoError(t, err)

	worked, err := p.RunCaseBuildOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)
	caseIDs, err := st.CasesForDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, caseIDs, 1)
}

func TestRunDiscoverUpsertsFromConnector(t *testing.T) {
	p, st := newTestPipeline(t, nil, nil, nil)
	ctx := context.Background()
	srcID := addSource(t, st)

	p.connect = func(src *store.Source) (connector.Connector, error) {
		return stubConnector{refs: []connector.DocumentRef{
			{Municipality: src.Municipality, Platform: src.Platform, Body: "Tekninen lautakunta",
				Title: "Pöytäkirja", DocType: "minutes", ExternalID: "abc123",
				SourceURL: "https://sodankyla.fi/doc/1", FileURLs: []string{"https://sodankyla.fi/doc/1.pdf"}},
		}}, nil
	}

	stats, err := p.RunDiscover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sources)
	assert.Equal(t, 1, stats.NewDocs)
	assert.Equal(t, 0, stats.Failures)

	// Same listing again: idempotent.
	stats, err = p.RunDiscover(ctx, srcID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewDocs)

	src, err := st.GetSource(ctx, srcID)
	require.NoError(t, err)
	assert.NotNil(t, src.LastSuccessAt)
	assert.Equal(t, 0, src.ConsecutiveFailures)
}

func TestRunDiscoverRecordsSourceFailure(t *testing.T) {
	p, st := newTestPipeline(t, nil, nil, nil)
	ctx := context.Background()
	srcID := addSource(t, st)

	p.connect = func(*store.Source) (connector.Connector, error) {
		return stubConnector{err: werrors.New(werrors.KindTransport, "connection refused")}, nil
	}

	stats, err := p.RunDiscover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failures)

	src, err := st.GetSource(ctx, srcID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.ConsecutiveFailures)
	assert.Contains(t, src.LastError, "connection refused")
}

func TestRunPipelineDrainsAllStages(t *testing.T) {
	dl := &fakeDownloader{content: map[string][]byte{"https://sodankyla.fi/a.pdf": []byte("%PDF- maa-aines")}}
	ex := &fakeExtractor{text: strings.Repeat("Maa-aineslupa Maansiirto Oy Palsaselkä ", 10), pages: 3}
	cls := &fakeClassifier{
		triage: func(llm.TriageInput) (*llm.TriageResult, *llm.Usage, error) {
			return &llm.TriageResult{RelevanceScore: 0.9, Categories: []string{"permits_extraction"}, Reason: "lupa"},
				&llm.Usage{Model: "gpt-4o-mini", PromptTokens: 600, CompletionTokens: 50, CostEUR: 0.001}, nil
		},
		buildCase: func(llm.CaseInput) (*llm.CaseResult, *llm.Usage, error) {
			return &llm.CaseResult{
				Headline: "Maa-aineslupa", Summary: "Lupa myönnettiin.", Status: "approved",
				Confidence: "high", Entities: []string{"Maansiirto Oy"},
				Evidence: []llm.EvidenceItem{{Page: 2, Snippet: "myönnettiin"}},
			}, &llm.Usage{Model: "gpt-4o", PromptTokens: 2500, CompletionTokens: 350, CostEUR: 0.009}, nil
		},
	}
	p, st := newTestPipeline(t, dl, cls, ex)
	ctx := context.Background()
	srcID := addSource(t, st)
	docID := addDocument(t, st, srcID, "Maa-aineslupa", []string{"https://sodankyla.fi/a.pdf"})

	require.NoError(t, p.RunPipeline(ctx))

	doc, err := st.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.DocProcessed, doc.Status)

	caseIDs, err := st.CasesForDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, caseIDs, 1)

	spent, err := st.MonthToDateCost(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, spent, 1e-9)

	counts, err := st.CountDocumentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.DocProcessed])
}

type stubConnector struct {
	refs []connector.DocumentRef
	err  error
}

func (c stubConnector) Platform() string { return "stub" }

func (c stubConnector) Discover(context.Context) ([]connector.DocumentRef, error) {
	return c.refs, c.err
}
