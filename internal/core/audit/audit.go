// Package audit records every control-plane mutation as an append-only row.
// Each row carries a SHA-256 digest over its canonical form so tampering is
// detectable after the fact.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Record is one audit row. Before and After hold JSON snapshots of the
// mutated resource, empty for create/delete respectively.
type Record struct {
	ID           string    `json:"id" db:"id"`
	Actor        string    `json:"actor" db:"actor"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   string    `json:"resource_id" db:"resource_id"`
	Before       string    `json:"before,omitempty" db:"before_state"`
	After        string    `json:"after,omitempty" db:"after_state"`
	Success      bool      `json:"success" db:"success"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Hash         string    `json:"hash" db:"hash"`
}

// canonical serializes the hashed fields in a fixed order with explicit
// separators, so the digest is stable across storage round-trips.
func (r *Record) canonical() string {
	return strings.Join([]string{
		r.ID,
		r.Actor,
		r.Action,
		r.ResourceType,
		r.ResourceID,
		r.Before,
		r.After,
		strconv.FormatBool(r.Success),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "\x1f")
}

// ComputeHash returns the hex SHA-256 of the record's canonical form.
func (r *Record) ComputeHash() string {
	sum := sha256.Sum256([]byte(r.canonical()))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored hash still matches the record's fields.
func (r *Record) Verify() bool {
	return r.Hash == r.ComputeHash()
}

// Repository is the persistence surface for audit rows.
type Repository interface {
	InsertRecord(ctx context.Context, r *Record) error
	RecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error)
	RecordsBefore(ctx context.Context, before time.Time, limit int) ([]Record, error)
	DeleteRecordsBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// Service writes and verifies audit rows.
type Service struct {
	repo   Repository
	logger *logrus.Logger
	now    func() time.Time
}

// NewService creates the audit service.
func NewService(repo Repository, logger *logrus.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Log appends one audit row. Failures are logged, never propagated: an audit
// outage must not block the mutation it describes.
func (s *Service) Log(ctx context.Context, actor, action, resourceType, resourceID, before, after string, success bool) {
	rec := &Record{
		ID:           uuid.NewString(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
		Success:      success,
		Timestamp:    s.now().UTC(),
	}
	rec.Hash = rec.ComputeHash()

	if err := s.repo.InsertRecord(ctx, rec); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":   action,
			"resource": fmt.Sprintf("%s/%s", resourceType, resourceID),
		}).Error("Failed to write audit record")
	}
}

// Verify re-hashes every record in [from, to) and returns the ids whose
// stored digest no longer matches.
func (s *Service) Verify(ctx context.Context, from, to time.Time) ([]string, error) {
	records, err := s.repo.RecordsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}

	var tampered []string
	for i := range records {
		if !records[i].Verify() {
			tampered = append(tampered, records[i].ID)
		}
	}
	if len(tampered) > 0 {
		s.logger.WithField("count", len(tampered)).Warn("Audit verification found mismatched records")
	}
	return tampered, nil
}
