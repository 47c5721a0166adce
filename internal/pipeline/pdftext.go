package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// ocrTimeout bounds one OCR run over a whole file.
const ocrTimeout = 300 * time.Second

// PDFExtractor implements Extractor with a text-first PDF parser and a
// Tesseract fallback for scanned documents (Finnish language pack).
type PDFExtractor struct {
	Lang string
}

// NewPDFExtractor returns an extractor configured for Finnish OCR.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{Lang: "fin"}
}

// ExtractText pulls the embedded text layer out of a PDF.
func (e *PDFExtractor) ExtractText(_ context.Context, path string) (string, int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", 0, werrors.Wrap(err, werrors.KindExtractFailure, "open pdf")
	}
	defer f.Close()

	pages := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Single broken page does not sink the document.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String(), pages, nil
}

// OCR rasterizes the PDF with pdftoppm and runs tesseract over every
// page. The recognized text is also written next to the PDF as a .txt
// sidecar for manual inspection.
func (e *PDFExtractor) OCR(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ocrTimeout)
	defer cancel()

	tmp, err := os.MkdirTemp("", "watchdog-ocr-*")
	if err != nil {
		return "", werrors.Wrap(err, werrors.KindStorage, "ocr scratch dir")
	}
	defer os.RemoveAll(tmp)

	// 300 dpi is the sweet spot for municipal scans.
	cmd := exec.CommandContext(ctx, "pdftoppm", "-r", "300", "-png", path, filepath.Join(tmp, "page"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", werrors.Wrap(err, werrors.KindExtractFailure, "pdftoppm: "+strings.TrimSpace(string(out)))
	}

	images, err := filepath.Glob(filepath.Join(tmp, "page*.png"))
	if err != nil || len(images) == 0 {
		return "", werrors.New(werrors.KindExtractFailure, "pdftoppm produced no pages")
	}
	sort.Strings(images)

	lang := e.Lang
	if lang == "" {
		lang = "fin"
	}
	var parts []string
	for _, img := range images {
		out, err := exec.CommandContext(ctx, "tesseract", img, "stdout", "-l", lang).Output()
		if err != nil {
			return "", werrors.Wrap(err, werrors.KindExtractFailure, "tesseract")
		}
		parts = append(parts, string(out))
	}
	text := strings.Join(parts, "\n\n")

	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	if err := os.WriteFile(sidecar, []byte(text), 0o644); err != nil {
		return "", werrors.Wrap(err, werrors.KindStorage, "write ocr sidecar")
	}
	return text, nil
}
