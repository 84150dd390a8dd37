package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plugwatch/plugwatch-go/internal/core/alerts"
)

// AlertRepository persists alert rules, suppressions, raised alerts and the
// append-only history.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates the repository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) SaveRule(ctx context.Context, rule *alerts.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode alert rule %s: %w", rule.ID, err)
	}

	query := `
		INSERT INTO alert_rules (id, name, enabled, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			body = excluded.body`
	_, err = r.db.ExecContext(ctx, query, rule.ID, rule.Name, rule.Enabled, body)
	if err != nil {
		return fmt.Errorf("failed to save alert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (r *AlertRepository) DeleteRule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule %s: %w", id, err)
	}
	return nil
}

func (r *AlertRepository) ListRules(ctx context.Context) ([]*alerts.Rule, error) {
	var bodies [][]byte
	if err := r.db.SelectContext(ctx, &bodies, `SELECT body FROM alert_rules ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}

	out := make([]*alerts.Rule, 0, len(bodies))
	for _, body := range bodies {
		var rule alerts.Rule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("failed to decode alert rule: %w", err)
		}
		out = append(out, &rule)
	}
	return out, nil
}

func (r *AlertRepository) SaveSuppression(ctx context.Context, s *alerts.Suppression) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode suppression %s: %w", s.ID, err)
	}

	query := `
		INSERT INTO suppressions (id, start_at, end_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			body = excluded.body`
	_, err = r.db.ExecContext(ctx, query, s.ID, s.Start.UTC(), s.End.UTC(), body)
	if err != nil {
		return fmt.Errorf("failed to save suppression %s: %w", s.ID, err)
	}
	return nil
}

func (r *AlertRepository) DeleteSuppression(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM suppressions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete suppression %s: %w", id, err)
	}
	return nil
}

func (r *AlertRepository) ListSuppressions(ctx context.Context) ([]*alerts.Suppression, error) {
	var bodies [][]byte
	if err := r.db.SelectContext(ctx, &bodies, `SELECT body FROM suppressions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to load suppressions: %w", err)
	}

	out := make([]*alerts.Suppression, 0, len(bodies))
	for _, body := range bodies {
		var s alerts.Suppression
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("failed to decode suppression: %w", err)
		}
		out = append(out, &s)
	}
	return out, nil
}

func (r *AlertRepository) SaveAlert(ctx context.Context, a *alerts.Alert) error {
	snapshot, err := json.Marshal(a.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode alert snapshot: %w", err)
	}

	query := `
		INSERT INTO alerts (id, rule_id, rule_name, severity, category, state,
			title, message, source, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.RuleID, a.RuleName, int(a.Severity), a.Category, a.State,
		a.Title, a.Message, a.Source, snapshot, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

func (r *AlertRepository) UpdateAlertState(ctx context.Context, id string, state alerts.State) error {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s not found", id)
	}
	return nil
}

func (r *AlertRepository) AppendHistory(ctx context.Context, entry *alerts.HistoryEntry) error {
	query := `
		INSERT INTO alert_history (alert_id, event, actor, note, timestamp)
		VALUES (:alert_id, :event, :actor, :note, :timestamp)`
	_, err := r.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		return fmt.Errorf("failed to append history for alert %s: %w", entry.AlertID, err)
	}
	return nil
}

// History returns an alert's lifecycle events in insertion order.
func (r *AlertRepository) History(ctx context.Context, alertID string) ([]alerts.HistoryEntry, error) {
	var entries []alerts.HistoryEntry
	query := `SELECT alert_id, event, actor, note, timestamp FROM alert_history
		WHERE alert_id = ? ORDER BY rowid ASC`
	if err := r.db.SelectContext(ctx, &entries, query, alertID); err != nil {
		return nil, fmt.Errorf("failed to load history for alert %s: %w", alertID, err)
	}
	return entries, nil
}
