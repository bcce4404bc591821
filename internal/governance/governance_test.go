package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempora-io/tempora/internal/objstore"
	"github.com/tempora-io/tempora/internal/storage"
)

// fakePartition overrides just the reads the governance service performs.
type fakePartition struct {
	storage.Partition
	commitments map[string]*storage.Commitment
	allocations []*storage.TimeAllocation
	events      map[string]*storage.CanonicalEvent
}

func (f *fakePartition) GetCommitment(ctx context.Context, id string) (*storage.Commitment, error) {
	return f.commitments[id], nil
}

func (f *fakePartition) ListAllocationsByClient(ctx context.Context, clientID string) ([]*storage.TimeAllocation, error) {
	var out []*storage.TimeAllocation
	for _, a := range f.allocations {
		if a.ClientID == clientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakePartition) GetEvent(ctx context.Context, id string) (*storage.CanonicalEvent, error) {
	return f.events[id], nil
}

type fakeStore struct {
	part *fakePartition
}

func (f *fakeStore) Partition(ctx context.Context, userID string) (storage.Partition, error) {
	return f.part, nil
}

func (f *fakeStore) Close() {}

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// fixture: target 20h, four billable allocations totaling 18h inside the
// one-week window.
func billableFixture() *fakeStore {
	part := &fakePartition{
		commitments: map[string]*storage.Commitment{
			"cmt_01": {
				ID:                 "cmt_01",
				ClientID:           "acme",
				ClientName:         "ACME Corp",
				TargetHours:        20,
				WindowType:         storage.WindowWeekly,
				RollingWindowWeeks: 1,
			},
		},
		events: map[string]*storage.CanonicalEvent{},
	}
	durations := []float64{5, 5, 4, 4}
	for i, h := range durations {
		id := fmt.Sprintf("evt_%d", i)
		start := now.Add(-time.Duration(i+1) * 24 * time.Hour)
		part.events[id] = &storage.CanonicalEvent{
			ID:     id,
			Title:  fmt.Sprintf("ACME working session %d", i),
			Start:  start,
			End:    start.Add(time.Duration(h * float64(time.Hour))),
			Status: storage.EventConfirmed,
		}
		part.allocations = append(part.allocations, &storage.TimeAllocation{
			ID:       fmt.Sprintf("alc_%d", i),
			EventID:  id,
			ClientID: "acme",
			Category: storage.CategoryBillable,
		})
	}
	// A strategic allocation for the same client never counts.
	part.events["evt_x"] = &storage.CanonicalEvent{
		ID:     "evt_x",
		Start:  now.Add(-36 * time.Hour),
		End:    now.Add(-30 * time.Hour),
		Status: storage.EventConfirmed,
	}
	part.allocations = append(part.allocations, &storage.TimeAllocation{
		ID: "alc_x", EventID: "evt_x", ClientID: "acme", Category: storage.CategoryStrategic,
	})
	return &fakeStore{part: part}
}

func TestEvaluateStatus(t *testing.T) {
	assert.Equal(t, StatusUnder, EvaluateStatus(20, 18))
	assert.Equal(t, StatusCompliant, EvaluateStatus(20, 19))
	assert.Equal(t, StatusCompliant, EvaluateStatus(20, 22))
	assert.Equal(t, StatusOver, EvaluateStatus(20, 23))
	assert.Equal(t, StatusCompliant, EvaluateStatus(0, 0))
	assert.Equal(t, StatusOver, EvaluateStatus(0, 1))
}

func TestWindow(t *testing.T) {
	start, end := Window(storage.WindowWeekly, 2, now)
	assert.Equal(t, now, end)
	assert.Equal(t, now.Add(-14*24*time.Hour), start)

	start, _ = Window(storage.WindowMonthly, 4, now)
	assert.Equal(t, now.Add(-28*24*time.Hour), start)
}

func TestCommitmentStatusUnder(t *testing.T) {
	svc := NewService(billableFixture(), nil, zerolog.Nop())

	status, err := svc.CommitmentStatus(context.Background(), "usr-1", "cmt_01", now)
	require.NoError(t, err)
	assert.Equal(t, 18.0, status.ActualHours)
	assert.Equal(t, StatusUnder, status.Status)
	assert.Equal(t, "acme", status.ClientID)
}

func TestCommitmentStatusMissing(t *testing.T) {
	svc := NewService(billableFixture(), nil, zerolog.Nop())

	_, err := svc.CommitmentStatus(context.Background(), "usr-1", "cmt_nope", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProofHashDeterministic(t *testing.T) {
	svc := NewService(billableFixture(), nil, zerolog.Nop())

	first, err := svc.GetCommitmentProofData(context.Background(), "usr-1", "cmt_01", now)
	require.NoError(t, err)
	second, err := svc.GetCommitmentProofData(context.Background(), "usr-1", "cmt_01", now)
	require.NoError(t, err)

	h1, err := ProofHash(first)
	require.NoError(t, err)
	h2, err := ProofHash(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Events come back ordered by start.
	require.Len(t, first.Events, 4)
	for i := 1; i < len(first.Events); i++ {
		assert.False(t, first.Events[i].Start.Before(first.Events[i-1].Start))
	}
}

func TestExportAndDownloadProof(t *testing.T) {
	objects, err := objstore.NewFS(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	svc := NewService(billableFixture(), objects, zerolog.Nop())

	export, err := svc.ExportProof(context.Background(), "usr-1", "cmt_01", FormatCSV, now)
	require.NoError(t, err)
	assert.Equal(t, "proofs/usr-1/cmt_01/2026-03-02T12-00-00Z.csv", export.Key)

	obj, err := svc.DownloadProof(context.Background(), "usr-1", export.Key)
	require.NoError(t, err)
	assert.Contains(t, string(obj.Data), export.ProofHash, "document embeds its own hash")
	assert.Equal(t, export.ProofHash, obj.Metadata["proof_hash"])

	// Verify the hash against a freshly assembled canonical structure.
	data, err := svc.GetCommitmentProofData(context.Background(), "usr-1", "cmt_01", now)
	require.NoError(t, err)
	canonical, err := CanonicalJSON(data)
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	assert.Equal(t, hex.EncodeToString(sum[:]), export.ProofHash)
}

func TestDownloadProofForeignPrefix(t *testing.T) {
	objects, err := objstore.NewFS(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	svc := NewService(billableFixture(), objects, zerolog.Nop())

	export, err := svc.ExportProof(context.Background(), "usr-1", "cmt_01", FormatCSV, now)
	require.NoError(t, err)

	// Another user probing the key reads it as missing, never forbidden.
	_, err = svc.DownloadProof(context.Background(), "usr-2", export.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRenderPDF(t *testing.T) {
	svc := NewService(billableFixture(), nil, zerolog.Nop())
	data, err := svc.GetCommitmentProofData(context.Background(), "usr-1", "cmt_01", now)
	require.NoError(t, err)
	hash, err := ProofHash(data)
	require.NoError(t, err)

	body, err := RenderPDF(data, hash)
	require.NoError(t, err)
	assert.True(t, len(body) > 500)
	assert.Equal(t, "%PDF", string(body[:4]))
}
