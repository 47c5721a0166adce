package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeySource       = "source_id"
	KeyMunicipality = "municipality"
	KeyPlatform     = "platform"
	KeyDocument     = "document_id"
	KeyExternalID   = "external_id"
	KeyFile         = "file_id"
	KeyCase         = "case_id"
	KeyStage        = "stage"
	KeyStatus       = "status"
	KeyURL          = "url"
	KeyRunID        = "run_id"
	KeyDurationMS   = "duration_ms"
	KeyCostEUR      = "cost_eur"
	KeyError        = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Source(id int64) slog.Attr         { return slog.Int64(KeySource, id) }
func Municipality(m string) slog.Attr   { return slog.String(KeyMunicipality, m) }
func Platform(p string) slog.Attr       { return slog.String(KeyPlatform, p) }
func Document(id int64) slog.Attr       { return slog.Int64(KeyDocument, id) }
func ExternalID(id string) slog.Attr    { return slog.String(KeyExternalID, id) }
func File(id int64) slog.Attr           { return slog.Int64(KeyFile, id) }
func Case(id int64) slog.Attr           { return slog.Int64(KeyCase, id) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func Status(s string) slog.Attr         { return slog.String(KeyStatus, s) }
func URL(u string) slog.Attr            { return slog.String(KeyURL, u) }
func RunID(id string) slog.Attr         { return slog.String(KeyRunID, id) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func CostEUR(c float64) slog.Attr       { return slog.Float64(KeyCostEUR, c) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
