package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// RunFetchOnce claims one document in `new` and downloads its files.
// Returns false when no work was available.
func (p *Pipeline) RunFetchOnce(ctx context.Context) (bool, error) {
	doc, ok, err := p.store.ClaimNext(ctx, store.StageFetch)
	if err != nil || !ok {
		return false, err
	}
	defer p.store.Release(doc.ID)

	start := time.Now()
	if err := p.fetchDocument(ctx, doc); err != nil {
		p.fail(ctx, doc, store.StageFetch, err)
	} else {
		p.rec.IncStageResult(string(store.StageFetch), metrics.ResultSuccess)
	}
	p.observe(store.StageFetch, start)
	return true, nil
}

func (p *Pipeline) fetchDocument(ctx context.Context, doc *store.Document) error {
	log := p.log.With(logfields.Document(doc.ID), logfields.Stage(string(store.StageFetch)))

	files, err := p.store.FilesByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return werrors.New(werrors.KindInternal, "document has no file urls")
	}

	// Hash runs over file bytes in URL order, so reordering upstream
	// counts as a content change.
	hasher := sha256.New()
	for _, f := range files {
		dest := filepath.Join(p.cfg.StoragePath, fmt.Sprintf("%d", doc.SourceID), fmt.Sprintf("%d.pdf", f.ID))
		size, mime, err := p.gw.Download(ctx, f.URL, dest, "application/pdf")
		if err != nil {
			return err
		}
		if err := hashFile(hasher, dest); err != nil {
			return err
		}
		rel, rerr := filepath.Rel(p.cfg.StoragePath, dest)
		if rerr != nil {
			rel = dest
		}
		if err := p.store.MarkFileFetched(ctx, f.ID, rel, mime, size); err != nil {
			return err
		}
		log.Debug("file fetched", logfields.File(f.ID), logfields.URL(f.URL), "bytes", size)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	changed, err := p.store.SetContentHash(ctx, doc.ID, hash)
	if err != nil {
		return err
	}
	if changed {
		// Re-observed document whose bytes actually changed: stale
		// triage and extracted text are void and linked cases get a
		// timeline note.
		if err := p.store.ResetTriage(ctx, doc.ID); err != nil {
			return err
		}
		if err := p.store.ResetFileText(ctx, doc.ID); err != nil {
			return err
		}
		if err := p.notifyLinkedCases(ctx, doc.ID); err != nil {
			return err
		}
		log.Info("document content changed", logfields.Status("refetched"))
	} else {
		done, err := p.verdictStands(ctx, doc)
		if err != nil {
			return err
		}
		if done {
			log.Debug("bytes unchanged, stored verdict stands")
			return p.markProcessed(ctx, doc, store.DocNew, log)
		}
	}

	ok, err := p.store.TransitionDocument(ctx, doc.ID, store.DocNew, store.DocFetched)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("lost fetch commit race, discarding")
	}
	return nil
}

// verdictStands reports whether a re-fetched document with unchanged
// bytes needs no further processing: its stored triage verdict was
// negative, or the candidate already produced its cases. A candidate
// that never reached case build (budget pause) keeps going.
func (p *Pipeline) verdictStands(ctx context.Context, doc *store.Document) (bool, error) {
	if doc.TriageScore == nil {
		return false, nil
	}
	if *doc.TriageScore < candidateThreshold || len(doc.TriageCategories) == 0 {
		return true, nil
	}
	caseIDs, err := p.store.CasesForDocument(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	return len(caseIDs) > 0, nil
}

func (p *Pipeline) notifyLinkedCases(ctx context.Context, docID int64) error {
	caseIDs, err := p.store.CasesForDocument(ctx, docID)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]int64{"document_id": docID})
	for _, caseID := range caseIDs {
		ev := &store.CaseEvent{CaseID: caseID, EventType: "evidence_added", Payload: payload}
		if err := p.store.AppendCaseEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return werrors.Wrap(err, werrors.KindStorage, "open downloaded file")
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return werrors.Wrap(err, werrors.KindStorage, "hash downloaded file")
	}
	return nil
}
