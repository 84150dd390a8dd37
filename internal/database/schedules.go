package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plugwatch/plugwatch-go/internal/core/schedule"
)

// ScheduleRepository persists schedule rules and their execution history.
// Rules are stored as JSON bodies; executions as plain rows keyed by rule id.
type ScheduleRepository struct {
	db *DB
}

// NewScheduleRepository creates the repository.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) SaveRule(ctx context.Context, rule *schedule.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule rule %s: %w", rule.ID, err)
	}

	query := `
		INSERT INTO schedule_rules (id, name, enabled, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			body = excluded.body,
			updated_at = excluded.updated_at`
	_, err = r.db.ExecContext(ctx, query, rule.ID, rule.Name, rule.Enabled, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save schedule rule %s: %w", rule.ID, err)
	}
	return nil
}

func (r *ScheduleRepository) DeleteRule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedule_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule rule %s: %w", id, err)
	}
	return nil
}

func (r *ScheduleRepository) ListRules(ctx context.Context) ([]*schedule.Rule, error) {
	var bodies [][]byte
	query := `SELECT body FROM schedule_rules ORDER BY id`
	if err := r.db.SelectContext(ctx, &bodies, query); err != nil {
		return nil, fmt.Errorf("failed to load schedule rules: %w", err)
	}

	out := make([]*schedule.Rule, 0, len(bodies))
	for _, body := range bodies {
		var rule schedule.Rule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("failed to decode schedule rule: %w", err)
		}
		out = append(out, &rule)
	}
	return out, nil
}

func (r *ScheduleRepository) SaveExecution(ctx context.Context, e *schedule.Execution) error {
	query := `
		INSERT INTO schedule_executions (id, rule_id, device_id, fired_at, status, attempts, error)
		VALUES (:id, :rule_id, :device_id, :fired_at, :status, :attempts, :error)`
	_, err := r.db.NamedExecContext(ctx, query, e)
	if err != nil {
		return fmt.Errorf("failed to save execution for rule %s: %w", e.RuleID, err)
	}
	return nil
}

// ExecutionsForRule returns a rule's firing history, newest first.
func (r *ScheduleRepository) ExecutionsForRule(ctx context.Context, ruleID string, limit int) ([]schedule.Execution, error) {
	var execs []schedule.Execution
	query := `SELECT * FROM schedule_executions
		WHERE rule_id = ? ORDER BY fired_at DESC LIMIT ?`
	if err := r.db.SelectContext(ctx, &execs, query, ruleID, limit); err != nil {
		return nil, fmt.Errorf("failed to load executions for rule %s: %w", ruleID, err)
	}
	return execs, nil
}
