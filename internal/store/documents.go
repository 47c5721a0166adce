package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// refetchAfter is how long a processed document rests before an
// identical re-observation sends it back through fetch. Upstream may
// replace PDF bytes behind an unchanged listing entry (minutes
// superseding an agenda under the same id); an unchanged hash
// short-circuits downstream, so the periodic re-check costs one
// download and no model calls.
const refetchAfter = 24 * time.Hour

// UpsertDocument inserts a document discovered by a connector, keyed by
// (source_id, external_id). An identical re-observation is a no-op,
// except that a processed document older than the re-fetch window is
// queued for a fresh fetch. A re-observation whose listing metadata
// differs re-queues the document immediately (its stored content_hash
// is kept so the fetch stage can detect whether the files actually
// changed). fileURLs seed pending file rows on insert.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document, fileURLs []string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_type, title, body, meeting_date, published_at, source_url, status, updated_at
		FROM documents WHERE source_id = ? AND external_id = ?`,
		doc.SourceID, doc.ExternalID)

	var (
		id                   int64
		docType, title, body string
		meetingDate, pubAt   sql.NullString
		sourceURL, status    string
		updatedAt            string
	)
	err := row.Scan(&id, &docType, &title, &body, &meetingDate, &pubAt, &sourceURL, &status, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insertDocument(ctx, doc, fileURLs)
	case err != nil:
		return 0, false, werrors.Wrap(err, werrors.KindDatabase, "lookup document")
	}

	same := docType == doc.DocType &&
		title == doc.Title &&
		body == doc.Body &&
		sourceURL == doc.SourceURL &&
		timeEqual(decodeTimePtr(meetingDate), doc.MeetingDate) &&
		timeEqual(decodeTimePtr(pubAt), doc.PublishedAt)
	if same {
		if status == string(DocProcessed) && now().Sub(decodeTime(updatedAt)) >= refetchAfter {
			if err := s.requeueForRefetch(ctx, id); err != nil {
				return 0, false, err
			}
		}
		return id, false, nil
	}

	// Listing metadata changed upstream: refresh the row and send the
	// document back through fetch.
	ts := encodeTime(now())
	_, err = s.db.ExecContext(ctx, `
		UPDATE documents SET doc_type = ?, title = ?, body = ?, meeting_date = ?,
			published_at = ?, source_url = ?, status = 'new', retry_count = 0,
			last_failure = '', updated_at = ?
		WHERE id = ?`,
		doc.DocType, doc.Title, doc.Body, encodeTimePtr(doc.MeetingDate),
		encodeTimePtr(doc.PublishedAt), doc.SourceURL, ts, id)
	if err != nil {
		return 0, false, werrors.Wrap(err, werrors.KindDatabase, "refresh document")
	}
	if err := s.syncFileURLs(ctx, id, fileURLs); err != nil {
		return 0, false, err
	}
	return id, false, nil
}

func (s *Store) requeueForRefetch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'new', retry_count = 0, last_failure = '', updated_at = ?
		WHERE id = ?`, encodeTime(now()), id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "requeue for refetch")
	}
	return nil
}

func (s *Store) insertDocument(ctx context.Context, doc *Document, fileURLs []string) (int64, bool, error) {
	ts := encodeTime(now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (source_id, external_id, doc_type, title, body, meeting_date,
			published_at, source_url, status, discovered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'new', ?, ?)`,
		doc.SourceID, doc.ExternalID, doc.DocType, doc.Title, doc.Body,
		encodeTimePtr(doc.MeetingDate), encodeTimePtr(doc.PublishedAt), doc.SourceURL, ts, ts)
	if err != nil {
		return 0, false, werrors.Wrap(err, werrors.KindDatabase, "insert document")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, werrors.Wrap(err, werrors.KindDatabase, "document id")
	}
	for _, u := range fileURLs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO files (document_id, url, created_at) VALUES (?, ?, ?)`, id, u, ts); err != nil {
			return 0, false, werrors.Wrap(err, werrors.KindDatabase, "insert file row")
		}
	}
	return id, true, nil
}

// syncFileURLs reconciles a re-queued document's file rows with the
// freshly observed URL set. Rows whose URL survives are kept in place
// so evidence citing them stays valid; vanished URLs are removed only
// while nothing cites them.
func (s *Store) syncFileURLs(ctx context.Context, docID int64, fileURLs []string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, url FROM files WHERE document_id = ? ORDER BY id`, docID)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "query file rows")
	}
	existing := make(map[string]int64)
	for rows.Next() {
		var fid int64
		var u string
		if err := rows.Scan(&fid, &u); err != nil {
			rows.Close()
			return werrors.Wrap(err, werrors.KindDatabase, "scan file row")
		}
		if _, seen := existing[u]; !seen {
			existing[u] = fid
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return werrors.Wrap(err, werrors.KindDatabase, "iterate file rows")
	}
	rows.Close()

	ts := encodeTime(now())
	wanted := make(map[string]struct{}, len(fileURLs))
	for _, u := range fileURLs {
		wanted[u] = struct{}{}
		if _, ok := existing[u]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO files (document_id, url, created_at) VALUES (?, ?, ?)`, docID, u, ts); err != nil {
			return werrors.Wrap(err, werrors.KindDatabase, "insert file row")
		}
	}
	for u, fid := range existing {
		if _, ok := wanted[u]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM files WHERE id = ?
			AND NOT EXISTS (SELECT 1 FROM evidence WHERE file_id = files.id)`, fid); err != nil {
			return werrors.Wrap(err, werrors.KindDatabase, "delete file row")
		}
	}
	return nil
}

// TransitionDocument performs a CAS status transition. It returns false
// when the current status is not `from`, which means another worker got
// there first and the caller must discard its work.
func (s *Store) TransitionDocument(ctx context.Context, id int64, from, to DocumentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), encodeTime(now()), id, string(from))
	if err != nil {
		return false, werrors.Wrap(err, werrors.KindDatabase, "transition document")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, werrors.Wrap(err, werrors.KindDatabase, "transition document")
	}
	return n == 1, nil
}

// MarkDocumentError moves a document to the error status with a
// diagnostic, regardless of its current status.
func (s *Store) MarkDocumentError(ctx context.Context, id int64, diagnostic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'error', last_failure = ?, updated_at = ? WHERE id = ?`,
		diagnostic, encodeTime(now()), id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "mark document error")
	}
	return nil
}

// IncrementRetry bumps the fetch retry counter and returns the new count.
func (s *Store) IncrementRetry(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE documents SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		encodeTime(now()), id); err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "increment retry")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM documents WHERE id = ?`, id).Scan(&n); err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "read retry count")
	}
	return n, nil
}

// RequeueDocument resets an errored document back to `new` for manual
// re-processing.
func (s *Store) RequeueDocument(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'new', retry_count = 0, last_failure = '', updated_at = ?
		WHERE id = ? AND status = 'error'`, encodeTime(now()), id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "requeue document")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return werrors.Newf(werrors.KindDatabase, "document %d is not in error status", id)
	}
	return nil
}

// SetContentHash stores the hash computed by the fetch stage and reports
// whether it differs from the previously stored hash (empty previous
// hash is "first fetch", not a change).
func (s *Store) SetContentHash(ctx context.Context, id int64, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev string
	if err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM documents WHERE id = ?`, id).Scan(&prev); err != nil {
		return false, werrors.Wrap(err, werrors.KindDatabase, "read content hash")
	}
	if prev == hash {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content_hash = ?, updated_at = ? WHERE id = ?`,
		hash, encodeTime(now()), id); err != nil {
		return false, werrors.Wrap(err, werrors.KindDatabase, "set content hash")
	}
	return prev != "", nil
}

// SetLastFailure records a diagnostic without changing status. Used
// for budget pauses, where the document stays eligible for later runs.
func (s *Store) SetLastFailure(ctx context.Context, id int64, diagnostic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET last_failure = ?, updated_at = ? WHERE id = ?`,
		diagnostic, encodeTime(now()), id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "set last failure")
	}
	return nil
}

// ResetTriage clears triage columns so a re-fetched document is
// classified again.
func (s *Store) ResetTriage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET triage_score = NULL, triage_categories = NULL, triage_reason = '',
			updated_at = ? WHERE id = ?`, encodeTime(now()), id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "reset triage")
	}
	return nil
}

// RecordTriage persists the triage outcome.
func (s *Store) RecordTriage(ctx context.Context, id int64, score float64, categories []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET triage_score = ?, triage_categories = ?, triage_reason = ?, updated_at = ?
		WHERE id = ?`, score, encodeStrings(categories), reason, encodeTime(now()), id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "record triage")
	}
	return nil
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, documentSelect+` WHERE id = ?`, id))
}

// DocumentByExternalID loads a document by its uniqueness key.
func (s *Store) DocumentByExternalID(ctx context.Context, sourceID int64, externalID string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		documentSelect+` WHERE source_id = ? AND external_id = ?`, sourceID, externalID))
}

// CountDocumentsByStatus returns status -> count for the health surface.
func (s *Store) CountDocumentsByStatus(ctx context.Context) (map[DocumentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "count documents")
	}
	defer rows.Close()
	out := make(map[DocumentStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, werrors.Wrap(err, werrors.KindDatabase, "scan count")
		}
		out[DocumentStatus(st)] = n
	}
	return out, rows.Err()
}

// DeleteDocument removes a document and its files. Deletion is refused
// while any evidence references the document.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE document_id = ?`, id).Scan(&n); err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "check evidence references")
	}
	if n > 0 {
		return werrors.Newf(werrors.KindDatabase, "document %d is cited by %d evidence rows", id, n)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "delete document")
	}
	return nil
}

const documentSelect = `
	SELECT id, source_id, external_id, doc_type, title, body, meeting_date, published_at,
		source_url, status, content_hash, retry_count, last_failure,
		triage_score, triage_categories, triage_reason, discovered_at, updated_at
	FROM documents`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDocument(row rowScanner) (*Document, error) {
	var (
		d                   Document
		meetingDate, pubAt  sql.NullString
		status              string
		score               sql.NullFloat64
		categories, reason  sql.NullString
		discovered, updated string
	)
	err := row.Scan(&d.ID, &d.SourceID, &d.ExternalID, &d.DocType, &d.Title, &d.Body,
		&meetingDate, &pubAt, &d.SourceURL, &status, &d.ContentHash, &d.RetryCount,
		&d.LastFailure, &score, &categories, &reason, &discovered, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, werrors.New(werrors.KindDatabase, "document not found")
	}
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "scan document")
	}
	d.MeetingDate = decodeTimePtr(meetingDate)
	d.PublishedAt = decodeTimePtr(pubAt)
	d.Status = DocumentStatus(status)
	if score.Valid {
		d.TriageScore = &score.Float64
	}
	if categories.Valid {
		d.TriageCategories = decodeStrings(categories.String)
	}
	if reason.Valid {
		d.TriageReason = reason.String
	}
	d.DiscoveredAt = decodeTime(discovered)
	d.UpdatedAt = decodeTime(updated)
	return &d, nil
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
