package store

import (
	"context"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// RecordLLMUsage appends one model-call record for budget accounting.
func (s *Store) RecordLLMUsage(ctx context.Context, u *LLMUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_usage (document_id, model, stage, prompt_tokens, completion_tokens, estimated_cost_eur, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.DocumentID, u.Model, u.Stage, u.PromptTokens, u.CompletionTokens, u.EstimatedCostEUR,
		encodeTime(now()))
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "record llm usage")
	}
	return nil
}

// MonthToDateCost sums estimated spend since the first instant of the
// current UTC calendar month.
func (s *Store) MonthToDateCost(ctx context.Context) (float64, error) {
	n := now()
	monthStart := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(estimated_cost_eur), 0) FROM llm_usage WHERE created_at >= ?`,
		encodeTime(monthStart)).Scan(&total)
	if err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "month-to-date cost")
	}
	return total, nil
}
