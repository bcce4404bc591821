package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tempora-io/tempora/internal/objstore"
	"github.com/tempora-io/tempora/internal/storage"
)

// ProofData is the canonical proof structure. Serialization is deterministic:
// fixed field order, UTC RFC 3339 timestamps, events sorted by start.
type ProofData struct {
	CommitmentID string             `json:"commitment_id"`
	ClientID     string             `json:"client_id"`
	ClientName   string             `json:"client_name"`
	WindowType   storage.WindowType `json:"window_type"`
	WindowStart  time.Time          `json:"window_start"`
	WindowEnd    time.Time          `json:"window_end"`
	TargetHours  float64            `json:"target_hours"`
	ActualHours  float64            `json:"actual_hours"`
	Status       Status             `json:"status"`
	HardMinimum  bool               `json:"hard_minimum"`
	Events       []ProofEvent       `json:"events"`
}

type ProofEvent struct {
	EventID string    `json:"event_id"`
	Title   string    `json:"title"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Hours   float64   `json:"hours"`
}

// GetCommitmentProofData assembles the proof structure for one commitment.
func (s *Service) GetCommitmentProofData(ctx context.Context, userID, commitmentID string, now time.Time) (*ProofData, error) {
	return s.proofData(ctx, userID, commitmentID, now)
}

// CanonicalJSON serializes the proof deterministically. Identical inputs
// always yield identical bytes, and therefore identical hashes.
func CanonicalJSON(p *ProofData) ([]byte, error) {
	cp := *p
	cp.WindowStart = cp.WindowStart.UTC().Truncate(time.Second)
	cp.WindowEnd = cp.WindowEnd.UTC().Truncate(time.Second)
	if cp.Events == nil {
		cp.Events = []ProofEvent{}
	}
	return json.Marshal(&cp)
}

// ProofHash is the SHA-256 of the canonical serialization, hex encoded.
func ProofHash(p *ProofData) (string, error) {
	data, err := CanonicalJSON(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type ProofFormat string

const (
	FormatCSV ProofFormat = "csv"
	FormatPDF ProofFormat = "pdf"
)

type ProofExport struct {
	Key       string `json:"key"`
	ProofHash string `json:"proof_hash"`
	Format    ProofFormat
}

// ExportProof renders the proof document, embeds the hash, and writes it to
// content-addressed object storage under the caller's key prefix.
func (s *Service) ExportProof(ctx context.Context, userID, commitmentID string, format ProofFormat, now time.Time) (*ProofExport, error) {
	data, err := s.proofData(ctx, userID, commitmentID, now)
	if err != nil {
		return nil, err
	}
	hash, err := ProofHash(data)
	if err != nil {
		return nil, err
	}

	var body []byte
	var contentType string
	switch format {
	case FormatCSV:
		body, err = RenderCSV(data, hash)
		contentType = "text/csv"
	case FormatPDF:
		body, err = RenderPDF(data, hash)
		contentType = "application/pdf"
	default:
		return nil, fmt.Errorf("%w: proof format %q", storage.ErrInvalidArgument, format)
	}
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("proofs/%s/%s/%s.%s",
		userID, commitmentID, now.UTC().Format("2006-01-02T15-04-05Z"), format)
	if err := s.objects.Put(ctx, objstore.Object{
		Key:         key,
		Data:        body,
		ContentType: contentType,
		Metadata:    map[string]string{"proof_hash": hash},
	}); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("user_id", userID).
		Str("commitment_id", commitmentID).
		Str("key", key).
		Str("format", string(format)).
		Msg("proof exported")
	return &ProofExport{Key: key, ProofHash: hash, Format: format}, nil
}

// DownloadProof fetches a stored proof. A key outside the caller's prefix
// reads as missing rather than forbidden, so keys cannot be enumerated.
func (s *Service) DownloadProof(ctx context.Context, userID, key string) (*objstore.Object, error) {
	if !strings.HasPrefix(key, "proofs/"+userID+"/") {
		return nil, fmt.Errorf("%w: proof %s", storage.ErrNotFound, key)
	}
	obj, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: proof %s", storage.ErrNotFound, key)
		}
		return nil, err
	}
	return obj, nil
}
