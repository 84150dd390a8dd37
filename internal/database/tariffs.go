package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
)

// TariffRepository persists the tariff history. Rate structures are nested
// and variant-shaped, so each tariff is stored as a JSON body next to the
// columns queries filter on.
type TariffRepository struct {
	db *DB
}

// NewTariffRepository creates the repository.
func NewTariffRepository(db *DB) *TariffRepository {
	return &TariffRepository{db: db}
}

func (r *TariffRepository) Save(ctx context.Context, t *tariff.Tariff) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tariff %s: %w", t.ID, err)
	}

	query := `
		INSERT INTO tariffs (id, kind, currency, effective_from, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			currency = excluded.currency,
			effective_from = excluded.effective_from,
			body = excluded.body`
	_, err = r.db.ExecContext(ctx, query, t.ID, t.Kind, t.Currency, t.EffectiveFrom.UTC(), body)
	if err != nil {
		return fmt.Errorf("failed to save tariff %s: %w", t.ID, err)
	}
	return nil
}

func (r *TariffRepository) ListAll(ctx context.Context) ([]*tariff.Tariff, error) {
	type row struct {
		ID            string    `db:"id"`
		EffectiveFrom time.Time `db:"effective_from"`
		Body          []byte    `db:"body"`
	}
	var rows []row
	query := `SELECT id, effective_from, body FROM tariffs ORDER BY effective_from ASC`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load tariffs: %w", err)
	}

	out := make([]*tariff.Tariff, 0, len(rows))
	for _, rw := range rows {
		var t tariff.Tariff
		if err := json.Unmarshal(rw.Body, &t); err != nil {
			return nil, fmt.Errorf("failed to decode tariff %s: %w", rw.ID, err)
		}
		out = append(out, &t)
	}
	return out, nil
}
