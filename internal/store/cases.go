package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// CreateCase inserts a case together with its initial evidence. A case
// without evidence is invalid, so creation is atomic over both.
func (s *Store) CreateCase(ctx context.Context, c *Case, evidence []*Evidence) (int64, error) {
	if len(evidence) == 0 {
		return 0, werrors.New(werrors.KindInternal, "a case requires at least one evidence row")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "begin case insert")
	}
	defer tx.Rollback()

	ts := encodeTime(now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO cases (primary_category, headline, summary, status, confidence, confidence_reason,
			municipalities, entities, locations, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PrimaryCategory, c.Headline, c.Summary, string(c.Status), string(c.Confidence),
		c.ConfidenceReason, encodeStrings(c.Municipalities), encodeStrings(c.Entities),
		encodeStrings(c.Locations), ts, ts)
	if err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "insert case")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "case id")
	}
	for _, ev := range evidence {
		if err := insertEvidenceTx(ctx, tx, id, ev); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "commit case insert")
	}
	return id, nil
}

func insertEvidenceTx(ctx context.Context, tx *sql.Tx, caseID int64, ev *Evidence) error {
	var fileID any
	if ev.FileID != nil {
		fileID = *ev.FileID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO evidence (case_id, file_id, document_id, page, snippet, source_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		caseID, fileID, ev.DocumentID, ev.Page, ev.Snippet, ev.SourceURL, encodeTime(now()))
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "insert evidence")
	}
	return nil
}

// AddEvidence appends evidence to an existing case.
func (s *Store) AddEvidence(ctx context.Context, caseID int64, ev *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "begin evidence insert")
	}
	defer tx.Rollback()
	if err := insertEvidenceTx(ctx, tx, caseID, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "commit evidence insert")
	}
	return nil
}

// UpdateCaseMerge folds new findings into an existing case: set-union of
// municipalities/entities/locations and, when provided, a newer status
// and confidence. updated_at always advances.
func (s *Store) UpdateCaseMerge(ctx context.Context, caseID int64, municipalities, entities, locations []string, status CaseStatus, confidence Confidence, confidenceReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getCaseLocked(ctx, caseID)
	if err != nil {
		return err
	}

	merged := func(a, b []string) string { return encodeStrings(unionStrings(a, b)) }
	newStatus := existing.Status
	if status != "" && status != CaseUnknown {
		newStatus = status
	}
	newConf := existing.Confidence
	newReason := existing.ConfidenceReason
	if confidence != "" {
		newConf = confidence
		newReason = confidenceReason
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE cases SET municipalities = ?, entities = ?, locations = ?, status = ?,
			confidence = ?, confidence_reason = ?, updated_at = ? WHERE id = ?`,
		merged(existing.Municipalities, municipalities),
		merged(existing.Entities, entities),
		merged(existing.Locations, locations),
		string(newStatus), string(newConf), newReason, encodeTime(now()), caseID)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "merge case")
	}
	return nil
}

// AppendCaseEvent adds a timeline entry.
func (s *Store) AppendCaseEvent(ctx context.Context, ev *CaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_events (case_id, event_type, event_time, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.CaseID, ev.EventType, encodeTimePtr(ev.EventTime), payload, encodeTime(now()))
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "append case event")
	}
	return nil
}

// GetCase loads a case by id.
func (s *Store) GetCase(ctx context.Context, id int64) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCaseLocked(ctx, id)
}

func (s *Store) getCaseLocked(ctx context.Context, id int64) (*Case, error) {
	row := s.db.QueryRowContext(ctx, caseSelect+` WHERE id = ?`, id)
	c, err := scanCase(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CasesForDocument returns ids of cases citing the document as evidence.
func (s *Store) CasesForDocument(ctx context.Context, docID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT case_id FROM evidence WHERE document_id = ? ORDER BY case_id`, docID)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "query cases for document")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, werrors.Wrap(err, werrors.KindDatabase, "scan case id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EvidenceByCase returns a case's evidence ordered by insertion.
func (s *Store) EvidenceByCase(ctx context.Context, caseID int64) ([]*Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, file_id, document_id, page, snippet, source_url, created_at
		FROM evidence WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "query evidence")
	}
	defer rows.Close()
	var out []*Evidence
	for rows.Next() {
		var (
			ev        Evidence
			fileID    sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &fileID, &ev.DocumentID, &ev.Page,
			&ev.Snippet, &ev.SourceURL, &createdAt); err != nil {
			return nil, werrors.Wrap(err, werrors.KindDatabase, "scan evidence")
		}
		if fileID.Valid {
			ev.FileID = &fileID.Int64
		}
		ev.CreatedAt = decodeTime(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// EventsByCase returns a case's events ordered by event_time then
// insertion sequence (events without a time sort last).
func (s *Store) EventsByCase(ctx context.Context, caseID int64) ([]*CaseEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, event_type, event_time, payload, created_at
		FROM case_events WHERE case_id = ?
		ORDER BY event_time IS NULL, event_time, id`, caseID)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "query case events")
	}
	defer rows.Close()
	var out []*CaseEvent
	for rows.Next() {
		var (
			ev                 CaseEvent
			eventTime, payload sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.EventType, &eventTime, &payload, &createdAt); err != nil {
			return nil, werrors.Wrap(err, werrors.KindDatabase, "scan case event")
		}
		ev.EventTime = decodeTimePtr(eventTime)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.CreatedAt = decodeTime(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// FindMergeCandidates returns cases that could be the same matter as a
// freshly built one: same primary category, or overlapping municipality.
// Final scoring happens in the case-build stage; this is the coarse
// SQL-side prefilter.
func (s *Store) FindMergeCandidates(ctx context.Context, municipalities []string, category string) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, caseSelect+` ORDER BY id`)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "query merge candidates")
	}
	defer rows.Close()

	muniSet := make(map[string]struct{}, len(municipalities))
	for _, m := range municipalities {
		muniSet[m] = struct{}{}
	}

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		if c.PrimaryCategory == category {
			out = append(out, c)
			continue
		}
		for _, m := range c.Municipalities {
			if _, ok := muniSet[m]; ok {
				out = append(out, c)
				break
			}
		}
	}
	return out, rows.Err()
}

const caseSelect = `
	SELECT id, primary_category, headline, summary, status, confidence, confidence_reason,
		municipalities, entities, locations, first_seen_at, updated_at
	FROM cases`

func scanCase(row rowScanner) (*Case, error) {
	var (
		c                     Case
		status, confidence    string
		munis, entities, locs string
		firstSeen, updated    string
	)
	err := row.Scan(&c.ID, &c.PrimaryCategory, &c.Headline, &c.Summary, &status, &confidence,
		&c.ConfidenceReason, &munis, &entities, &locs, &firstSeen, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, werrors.New(werrors.KindDatabase, "case not found")
	}
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "scan case")
	}
	c.Status = CaseStatus(status)
	c.Confidence = Confidence(confidence)
	c.Municipalities = decodeStrings(munis)
	c.Entities = decodeStrings(entities)
	c.Locations = decodeStrings(locs)
	c.FirstSeenAt = decodeTime(firstSeen)
	c.UpdatedAt = decodeTime(updated)
	return &c, nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
