package model

type PatchOpKind string

const PATCH_SET PatchOpKind = "SET"
const PATCH_DELETE PatchOpKind = "DELETE"
const PATCH_REPLACE PatchOpKind = "REPLACE"

// Patch fields understood by the state model. Transaction-level patches may
// touch any of them; step-level patches only Status, Input and Output.
const FieldStatus = "status"
const FieldInput = "input"
const FieldOutput = "output"
const FieldProgress = "progress"
const FieldMetadata = "metadata"
const FieldCompletionTime = "completionTime"

type PatchOp struct {
	Kind  PatchOpKind `json:"kind"`
	Field string      `json:"field"`
	Value any         `json:"value,omitempty"`
}

// Patch is the typed mutation unit consumed by Delta. SET deep-merges map
// values into the existing field, REPLACE swaps the field wholesale and
// DELETE clears it.
type Patch struct {
	Ops []PatchOp `json:"ops"`
}

func NewPatch(ops ...PatchOp) Patch {
	return Patch{Ops: ops}
}

func Set(field string, value any) PatchOp {
	return PatchOp{Kind: PATCH_SET, Field: field, Value: value}
}

func Delete(field string) PatchOp {
	return PatchOp{Kind: PATCH_DELETE, Field: field}
}

func Replace(field string, value any) PatchOp {
	return PatchOp{Kind: PATCH_REPLACE, Field: field, Value: value}
}

// Touches reports whether the patch carries an op for the given field.
func (p Patch) Touches(field string) bool {
	for _, op := range p.Ops {
		if op.Field == field {
			return true
		}
	}
	return false
}

func (p Patch) Find(field string) (PatchOp, bool) {
	for _, op := range p.Ops {
		if op.Field == field {
			return op, true
		}
	}
	return PatchOp{}, false
}

// MergeMaps overlays src onto dst recursively, the SET behavior for map
// valued fields. dst is mutated and returned; a nil dst allocates.
func MergeMaps(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				dst[k] = MergeMaps(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
