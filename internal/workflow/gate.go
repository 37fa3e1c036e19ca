package workflow

// NextState decides where a completed stage sends the workflow, given the
// quality score the executor reported. Pure function over the table.
//
// Rules:
//   - Stage without a threshold: first success target, unconditionally.
//   - Score at or above the threshold (inclusive): first success target.
//   - Below the threshold: the stage's correction target: REJECTED for the
//     first review gate (bad research invalidates everything downstream),
//     the preceding stage for the content and translation gates.
//   - Below threshold with no correction target: FAILED.
//
// A quality rejection is a designed branch, not an error; the returned
// state is always a valid transition target for the stage.
func (t *Table) NextState(stage State, qualityScore int) State {
	sc, ok := t.byName[stage]
	if !ok {
		return StateFailed
	}

	if sc.QualityThreshold == nil || qualityScore >= *sc.QualityThreshold {
		if len(sc.NextOnSuccess) == 0 {
			return StateFailed
		}
		return sc.NextOnSuccess[0]
	}

	if sc.CorrectionTarget != "" {
		return sc.CorrectionTarget
	}
	return StateFailed
}
