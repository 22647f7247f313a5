package flow

import (
	"fmt"
	"sort"

	"github.com/sankem/flowtx/model"
)

// Journal-only patch fields, never produced by callers of Delta.
const fieldInit = "_init"
const fieldStep = "_step"

// Replay reconstructs a transaction tree from its delta journal. This is the
// disaster-recovery fallback used when the authoritative atomic-store copy is
// missing and durable storage has not been written yet.
func Replay(journal []model.DeltaRecord) (*Tx, error) {
	if len(journal) == 0 {
		return nil, fmt.Errorf("cannot replay empty journal")
	}
	records := make([]model.DeltaRecord, len(journal))
	copy(records, journal)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Sequence < records[j].Sequence
	})

	tx := &model.Transaction{
		Steps: make(map[string]*model.Step),
	}
	for _, rec := range records {
		if op, ok := rec.Patch.Find(fieldInit); ok {
			header, valid := op.Value.(map[string]any)
			if !valid {
				return nil, fmt.Errorf("malformed init record at sequence %d", rec.Sequence)
			}
			tx.TxId, _ = header["txId"].(string)
			tx.Owner, _ = header["owner"].(string)
			tx.ExternalId, _ = header["externalId"].(string)
			tx.Type, _ = header["type"].(string)
			tx.Status = model.STATUS_QUEUED
			tx.SequenceOfUpdate = rec.Sequence
			continue
		}
		if op, ok := rec.Patch.Find(fieldStep); ok {
			step, err := decodeStep(op.Value)
			if err != nil {
				return nil, fmt.Errorf("malformed step record at sequence %d: %w", rec.Sequence, err)
			}
			tx.Steps[step.StepId] = step
			tx.SequenceOfUpdate = rec.Sequence
			continue
		}
		if rec.StepId != "" {
			step, ok := tx.Steps[rec.StepId]
			if !ok {
				return nil, fmt.Errorf("delta at sequence %d references unknown step %s", rec.Sequence, rec.StepId)
			}
			applyStepPatch(step, rec.Patch)
		} else {
			applyTransactionPatch(tx, rec.Patch)
		}
		tx.SequenceOfUpdate = rec.Sequence
	}
	tx.Journal = records
	return Wrap(tx), nil
}

func decodeStep(v any) (*model.Step, error) {
	switch s := v.(type) {
	case model.Step:
		step := s
		return &step, nil
	case *model.Step:
		step := *s
		return &step, nil
	case map[string]any:
		// Journal round-tripped through JSON.
		step := &model.Step{}
		step.StepId, _ = s["stepId"].(string)
		step.ParentStepId, _ = s["parentStepId"].(string)
		if lvl, ok := s["level"].(float64); ok {
			step.Level = int(lvl)
		}
		step.Path, _ = s["path"].(string)
		if def, ok := s["stepDefinition"].(map[string]any); ok {
			step.Definition.StepType, _ = def["stepType"].(string)
			step.Definition.Pipeline, _ = def["pipeline"].(string)
		}
		if status, ok := s["status"].(string); ok {
			step.Status = model.Status(status)
		}
		if input, ok := s["stepInput"].(map[string]any); ok {
			step.Input = input
		}
		if oc, ok := s["onComplete"].(map[string]any); ok {
			step.OnComplete.Callback, _ = oc["callback"].(string)
			step.OnComplete.Token, _ = oc["completionToken"].(string)
			if cctx, ok := oc["context"].(map[string]any); ok {
				step.OnComplete.Context = cctx
			}
		}
		if step.StepId == "" {
			return nil, fmt.Errorf("step record missing stepId")
		}
		return step, nil
	}
	return nil, fmt.Errorf("unsupported step record type %T", v)
}
