package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// ocrThresholdChars: a multi-page PDF yielding less text than this is
// treated as scanned and sent through OCR.
const ocrThresholdChars = 100

// RunExtractOnce claims one fetched document and extracts text from
// its files. Returns false when no work was available.
func (p *Pipeline) RunExtractOnce(ctx context.Context) (bool, error) {
	doc, ok, err := p.store.ClaimNext(ctx, store.StageExtract)
	if err != nil || !ok {
		return false, err
	}
	defer p.store.Release(doc.ID)

	start := time.Now()
	if err := p.extractDocument(ctx, doc); err != nil {
		p.fail(ctx, doc, store.StageExtract, err)
	} else {
		p.rec.IncStageResult(string(store.StageExtract), metrics.ResultSuccess)
	}
	p.observe(store.StageExtract, start)
	return true, nil
}

func (p *Pipeline) extractDocument(ctx context.Context, doc *store.Document) error {
	log := p.log.With(logfields.Document(doc.ID), logfields.Stage(string(store.StageExtract)))

	files, err := p.store.FilesByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}

	anyText := false
	for _, f := range files {
		switch f.TextStatus {
		case store.TextExtracted, store.TextOCRDone:
			anyText = anyText || strings.TrimSpace(f.TextContent) != ""
			continue
		case store.TextFailed:
			continue
		}
		if f.StoragePath == "" {
			// Never downloaded; fetch marked the document fetched anyway
			// only if every file landed, so this is a defect upstream.
			if err := p.store.SetFileTextStatus(ctx, f.ID, store.TextFailed); err != nil {
				return err
			}
			continue
		}

		gotText, err := p.extractFile(ctx, f, log)
		if err != nil {
			return err
		}
		anyText = anyText || gotText
	}

	if !anyText {
		return werrors.New(werrors.KindExtractFailure, "no file produced text")
	}

	ok, err := p.store.TransitionDocument(ctx, doc.ID, store.DocFetched, store.DocExtracted)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("lost extract commit race, discarding")
	}
	return nil
}

// extractFile runs text-first extraction with OCR fallback for one
// file and reports whether usable text came out.
func (p *Pipeline) extractFile(ctx context.Context, f *store.File, log *slog.Logger) (bool, error) {
	path := filepath.Join(p.cfg.StoragePath, f.StoragePath)

	if f.TextStatus == store.TextPending {
		text, pages, err := p.extract.ExtractText(ctx, path)
		if err != nil {
			log.Warn("text extraction failed", logfields.File(f.ID), logfields.Error(err))
			return false, p.store.SetFileTextStatus(ctx, f.ID, store.TextFailed)
		}
		if len(strings.TrimSpace(text)) >= ocrThresholdChars || pages <= 1 {
			if err := p.store.SetFileText(ctx, f.ID, store.TextExtracted, text); err != nil {
				return false, err
			}
			log.Debug("text extracted", logfields.File(f.ID), "chars", len(text), "pages", pages)
			return strings.TrimSpace(text) != "", nil
		}
		// Scanned PDF: barely any embedded text across multiple pages.
		if err := p.store.SetFileTextStatus(ctx, f.ID, store.TextOCRQueued); err != nil {
			return false, err
		}
		log.Debug("queued for ocr", logfields.File(f.ID), "chars", len(text), "pages", pages)
	}

	text, err := p.extract.OCR(ctx, path)
	if err != nil {
		log.Warn("ocr failed", logfields.File(f.ID), logfields.Error(err))
		return false, p.store.SetFileTextStatus(ctx, f.ID, store.TextFailed)
	}
	if err := p.store.SetFileText(ctx, f.ID, store.TextOCRDone, text); err != nil {
		return false, err
	}
	log.Debug("ocr complete", logfields.File(f.ID), "chars", len(text))
	return strings.TrimSpace(text) != "", nil
}
