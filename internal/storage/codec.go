package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/shikumi/internal/model"
)

// encodeRecord returns the JSON columns of a decision record.
func encodeRecord(rec model.DecisionRecord) (alts, meta []byte, err error) {
	rec = rec.Clone()
	if alts, err = json.Marshal(rec.Alternatives); err != nil {
		return nil, nil, fmt.Errorf("storage: marshal alternatives: %w", err)
	}
	if meta, err = json.Marshal(rec.Metadata); err != nil {
		return nil, nil, fmt.Errorf("storage: marshal metadata: %w", err)
	}
	return alts, meta, nil
}

func decodeRecordJSON(rec *model.DecisionRecord, alts, meta []byte) error {
	if err := json.Unmarshal(alts, &rec.Alternatives); err != nil {
		return fmt.Errorf("storage: unmarshal alternatives: %w", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return fmt.Errorf("storage: unmarshal metadata: %w", err)
	}
	*rec = rec.Clone()
	return nil
}

// checkpointRow is the stored form of a PartialResult.
type checkpointRow struct {
	traceID string
	ratio   float64
	mode    string
	partial []byte
}

func encodeCheckpoint(p *model.PartialResult) (checkpointRow, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return checkpointRow{}, fmt.Errorf("storage: marshal checkpoint: %w", err)
	}
	return checkpointRow{
		traceID: p.TraceID,
		ratio:   p.CompletionRatio(),
		mode:    string(p.FailureMode),
		partial: data,
	}, nil
}

func decodeCheckpoint(data []byte) (*model.PartialResult, error) {
	var p model.PartialResult
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("storage: unmarshal checkpoint: %w", err)
	}
	return &p, nil
}
