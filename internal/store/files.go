package store

import (
	"context"
	"database/sql"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// FilesByDocument returns a document's files ordered by id, which is
// insertion order and therefore URL order.
func (s *Store) FilesByDocument(ctx context.Context, docID int64) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, url, mime, bytes, storage_path, text_status, text_content, fetched_at, created_at
		FROM files WHERE document_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "query files")
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		var (
			f         File
			status    string
			fetchedAt sql.NullString
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.URL, &f.MIME, &f.Bytes, &f.StoragePath,
			&status, &f.TextContent, &fetchedAt, &createdAt); err != nil {
			return nil, werrors.Wrap(err, werrors.KindDatabase, "scan file")
		}
		f.TextStatus = TextStatus(status)
		f.FetchedAt = decodeTimePtr(fetchedAt)
		f.CreatedAt = decodeTime(createdAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// MarkFileFetched records the stored artifact for a file after download.
func (s *Store) MarkFileFetched(ctx context.Context, fileID int64, storagePath, mime string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET storage_path = ?, mime = ?, bytes = ?, fetched_at = ? WHERE id = ?`,
		storagePath, mime, size, encodeTime(now()), fileID)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "mark file fetched")
	}
	return nil
}

// SetFileText stores extraction output and the resulting text status.
func (s *Store) SetFileText(ctx context.Context, fileID int64, status TextStatus, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET text_status = ?, text_content = ? WHERE id = ?`,
		string(status), text, fileID)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "set file text")
	}
	return nil
}

// SetFileTextStatus updates only the extraction state (used for
// ocr_queued and failed markers).
func (s *Store) SetFileTextStatus(ctx context.Context, fileID int64, status TextStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE files SET text_status = ? WHERE id = ?`, string(status), fileID)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "set file text status")
	}
	return nil
}

// ResetFileText marks a document's files pending extraction again and
// drops their stale text. Stored artifacts stay; the fetch stage has
// already overwritten them by the time the hash comparison runs.
func (s *Store) ResetFileText(ctx context.Context, docID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET text_status = 'pending', text_content = '' WHERE document_id = ?`, docID)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "reset file text")
	}
	return nil
}
