package replay

import (
	"github.com/basket/go-crew/internal/persistence"
)

// Window is the resolved plan of one replay.
type Window struct {
	Anchor string
	// Tasks are the records to re-run, in original order.
	Tasks []persistence.TaskOutput
	// Prior holds one record per task id that ran before the anchor, the
	// latest such record, ordered by seq.
	Prior []persistence.TaskOutput
}

// TaskIDs returns the ids of the tasks to re-run, in order.
func (w Window) TaskIDs() []string {
	out := make([]string, len(w.Tasks))
	for i, t := range w.Tasks {
		out[i] = t.TaskID
	}
	return out
}

// buildWindow derives the replay window from the full log and the suffix
// starting at the anchor's first occurrence. The suffix is collapsed to the
// first record of each task id, minus two kinds of record:
//   - task ids that already ran before the anchor, which are context, not
//     successors;
//   - outputs of earlier replays outside the anchor's own kickoff, which
//     re-derive tasks of the original run rather than add new work.
//
// It is a pure function of stored order and the anchor.
func buildWindow(anchor string, all, suffix []persistence.TaskOutput) Window {
	w := Window{
		Anchor: anchor,
		Tasks:  []persistence.TaskOutput{},
		Prior:  []persistence.TaskOutput{},
	}
	if len(suffix) == 0 {
		return w
	}
	first := suffix[0]

	n := 0
	for n < len(all) && all[n].Seq < first.Seq {
		n++
	}
	prefix := all[:n]
	last := make(map[string]int, n)
	for i, rec := range prefix {
		last[rec.TaskID] = i
	}
	for i, rec := range prefix {
		if last[rec.TaskID] == i {
			w.Prior = append(w.Prior, rec)
		}
	}

	seen := make(map[string]bool, len(last)+len(suffix))
	for id := range last {
		seen[id] = true
	}
	for i, rec := range suffix {
		if seen[rec.TaskID] {
			continue
		}
		if i > 0 && rec.WasReplayed && rec.KickoffID != first.KickoffID {
			continue
		}
		seen[rec.TaskID] = true
		w.Tasks = append(w.Tasks, rec)
	}
	return w
}
