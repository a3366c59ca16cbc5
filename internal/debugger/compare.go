package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// rootKey holds a state that is not a JSON object.
const rootKey = "$"

// Compare diffs the top-level keys of two checkpoints' states. Comparing a
// checkpoint with itself yields an empty diff. With persist set, the diff is
// written to the store.
func (d *Debugger) Compare(ctx context.Context, fromID, toID string, persist bool) (*checkpoint.StateDiff, error) {
	ctx, span := d.tracer.Start(ctx, "debugger.compare",
		trace.WithAttributes(
			attribute.String("checkpoint.from", fromID),
			attribute.String("checkpoint.to", toID),
			attribute.Bool("persist", persist),
		))
	defer span.End()

	diff, err := d.compare(ctx, fromID, toID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("diff.added", len(diff.AddedKeys)),
		attribute.Int("diff.removed", len(diff.RemovedKeys)),
		attribute.Int("diff.modified", len(diff.ModifiedKeys)),
	)

	if persist {
		if err := d.checkpoints.SaveDiff(ctx, diff); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to persist state diff: %w", err)
		}
	}
	return diff, nil
}

func (d *Debugger) compare(ctx context.Context, fromID, toID string) (*checkpoint.StateDiff, error) {
	if cached, ok := d.diffs.Get(pairKey(fromID, toID)); ok {
		return cached.Clone(), nil
	}

	from, err := d.checkpoints.Get(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", fromID, err)
	}
	to, err := d.checkpoints.Get(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", toID, err)
	}

	diff := &checkpoint.StateDiff{
		CheckpointFrom: fromID,
		CheckpointTo:   toID,
		AddedKeys:      []string{},
		RemovedKeys:    []string{},
		ModifiedKeys:   []string{},
		ValueChanges:   map[string]checkpoint.ValueChange{},
		Timestamp:      d.now().UTC(),
	}

	if from.StateHash != to.StateHash {
		a, err := decodeState(from.State)
		if err != nil {
			return nil, fmt.Errorf("failed to decode state of %s: %w", fromID, err)
		}
		b, err := decodeState(to.State)
		if err != nil {
			return nil, fmt.Errorf("failed to decode state of %s: %w", toID, err)
		}
		diffStates(diff, a, b)
	}

	d.logger.Debug("checkpoints compared",
		zap.String("from", fromID),
		zap.String("to", toID),
		zap.Int("added", len(diff.AddedKeys)),
		zap.Int("removed", len(diff.RemovedKeys)),
		zap.Int("modified", len(diff.ModifiedKeys)),
	)

	d.diffs.Add(pairKey(fromID, toID), diff.Clone())
	return diff, nil
}

func decodeState(raw json.RawMessage) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{rootKey: v}, nil
}

func diffStates(diff *checkpoint.StateDiff, a, b map[string]any) {
	for k, old := range a {
		nv, ok := b[k]
		if !ok {
			diff.RemovedKeys = append(diff.RemovedKeys, k)
			continue
		}
		if !reflect.DeepEqual(old, nv) {
			diff.ModifiedKeys = append(diff.ModifiedKeys, k)
			diff.ValueChanges[k] = checkpoint.ValueChange{Old: old, New: nv, Delta: textDelta(old, nv)}
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			diff.AddedKeys = append(diff.AddedKeys, k)
		}
	}
	sort.Strings(diff.AddedKeys)
	sort.Strings(diff.RemovedKeys)
	sort.Strings(diff.ModifiedKeys)
}

// textDelta returns a patch between two string values, or "" for other
// types.
func textDelta(prev, next any) string {
	a, ok1 := prev.(string)
	b, ok2 := next.(string)
	if !ok1 || !ok2 {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))
	return dmp.PatchToText(dmp.PatchMake(a, diffs))
}
