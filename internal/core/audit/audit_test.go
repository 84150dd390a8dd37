package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu      sync.Mutex
	records []Record
	failing bool
}

func (m *memRepo) InsertRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("disk full")
	}
	m.records = append(m.records, *r)
	return nil
}

func (m *memRepo) RecordsBetween(_ context.Context, from, to time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) RecordsBefore(_ context.Context, before time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Timestamp.Before(before) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) DeleteRecordsBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Record
	var deleted int64
	for _, r := range m.records {
		if r.Timestamp.Before(before) && int(deleted) < limit {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return deleted, nil
}

func newTestService(repo *memRepo) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewService(repo, log)
}

func TestRecordHashIsStable(t *testing.T) {
	rec := &Record{
		ID:           "r-1",
		Actor:        "operator",
		Action:       "device.add",
		ResourceType: "device",
		ResourceID:   "plug-1",
		After:        `{"alias":"washer"}`,
		Success:      true,
		Timestamp:    time.Date(2026, 3, 2, 10, 0, 0, 123456789, time.UTC),
	}

	h := rec.ComputeHash()
	assert.Len(t, h, 64)
	assert.Equal(t, h, rec.ComputeHash())

	// The digest covers the timestamp at nanosecond precision.
	shifted := *rec
	shifted.Timestamp = shifted.Timestamp.Add(time.Nanosecond)
	assert.NotEqual(t, h, shifted.ComputeHash())
}

func TestRecordVerifyDetectsTampering(t *testing.T) {
	rec := &Record{
		ID:        "r-1",
		Actor:     "operator",
		Action:    "device.remove",
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
	rec.Hash = rec.ComputeHash()
	require.True(t, rec.Verify())

	rec.Actor = "intruder"
	assert.False(t, rec.Verify())
}

func TestServiceLogAppendsHashedRecord(t *testing.T) {
	repo := &memRepo{}
	svc := newTestService(repo)

	svc.Log(context.Background(), "operator", "tariff.put", "tariff", "t-1", "", `{"kind":"flat"}`, true)

	require.Len(t, repo.records, 1)
	rec := repo.records[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "tariff.put", rec.Action)
	assert.True(t, rec.Verify())
}

func TestServiceLogSwallowsRepositoryFailure(t *testing.T) {
	repo := &memRepo{failing: true}
	svc := newTestService(repo)

	// Must not panic or propagate; the mutation being audited proceeds.
	svc.Log(context.Background(), "operator", "device.add", "device", "plug-1", "", "", true)
	assert.Empty(t, repo.records)
}

func TestServiceVerifyReportsTamperedIDs(t *testing.T) {
	repo := &memRepo{}
	svc := newTestService(repo)

	ctx := context.Background()
	svc.Log(ctx, "operator", "a", "device", "plug-1", "", "", true)
	svc.Log(ctx, "operator", "b", "device", "plug-2", "", "", true)
	svc.Log(ctx, "operator", "c", "device", "plug-3", "", "", true)
	require.Len(t, repo.records, 3)

	repo.records[1].After = `{"forged":true}`

	tampered, err := svc.Verify(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{repo.records[1].ID}, tampered)
}

func TestArchiverMovesExpiredRecords(t *testing.T) {
	repo := &memRepo{}
	svc := newTestService(repo)

	old := time.Now().UTC().AddDate(0, 0, -40)
	for i := 0; i < 3; i++ {
		rec := Record{
			ID:        fmt.Sprintf("old-%d", i),
			Actor:     "operator",
			Action:    "device.add",
			Success:   true,
			Timestamp: old.Add(time.Duration(i) * time.Minute),
		}
		rec.Hash = rec.ComputeHash()
		repo.records = append(repo.records, rec)
	}
	svc.Log(context.Background(), "operator", "recent", "device", "plug-1", "", "", true)

	dir := t.TempDir()
	arch := NewArchiver(svc, dir, 30, 100)
	require.NoError(t, arch.Run(context.Background()))

	// Only the recent record survives in the store.
	require.Len(t, repo.records, 1)
	assert.Equal(t, "recent", repo.records[0].Action)

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var archived []Record
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		archived = append(archived, rec)
	}
	require.NoError(t, sc.Err())
	require.Len(t, archived, 3)
	for _, rec := range archived {
		assert.True(t, rec.Verify())
	}
}

func TestArchiverNoopWithoutRetention(t *testing.T) {
	repo := &memRepo{}
	svc := newTestService(repo)
	repo.records = append(repo.records, Record{ID: "r-1", Timestamp: time.Now().AddDate(0, 0, -90)})

	arch := NewArchiver(svc, t.TempDir(), 0, 100)
	require.NoError(t, arch.Run(context.Background()))
	assert.Len(t, repo.records, 1)
}
