package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// claimPredicate returns the WHERE clause selecting documents eligible
// for a stage.
func claimPredicate(stage Stage) (string, error) {
	switch stage {
	case StageFetch:
		return `status = 'new'`, nil
	case StageExtract:
		return `status = 'fetched'`, nil
	case StageTriage:
		return `status = 'extracted' AND triage_score IS NULL`, nil
	case StageCaseBuild:
		// Triage left a candidate behind; the budget gate may also have
		// parked documents here, which makes them eligible again once
		// the spend window rolls over.
		return `status = 'extracted' AND triage_score >= 0.5 AND triage_categories IS NOT NULL`, nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// ClaimNext selects one document eligible for the stage and marks it as
// claimed in-process so concurrent workers never pick the same row. The
// claim is advisory; correctness across processes comes from the CAS
// transition each stage performs when committing its work. Callers must
// Release the id when done.
func (s *Store) ClaimNext(ctx context.Context, stage Stage) (*Document, bool, error) {
	pred, err := claimPredicate(stage)
	if err != nil {
		return nil, false, werrors.Wrap(err, werrors.KindInternal, "claim")
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	rows, err := s.db.QueryContext(ctx, documentSelect+` WHERE `+pred+` ORDER BY id LIMIT 50`)
	if err != nil {
		return nil, false, werrors.Wrap(err, werrors.KindDatabase, "claim query")
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, false, err
		}
		if _, taken := s.claimed[doc.ID]; taken {
			continue
		}
		s.claimed[doc.ID] = struct{}{}
		return doc, true, nil
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, werrors.Wrap(err, werrors.KindDatabase, "claim iterate")
	}
	return nil, false, nil
}

// Release drops the in-process claim on a document.
func (s *Store) Release(id int64) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	delete(s.claimed, id)
}
