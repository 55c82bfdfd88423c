package memory

import (
	"context"

	"github.com/basket/go-crew/internal/persistence"
)

// KickoffOutputs is the task output log viewed as a memory category, so the
// reset coordinator can clear it alongside the others.
type KickoffOutputs struct {
	store *persistence.Store
}

func NewKickoffOutputs(store *persistence.Store) *KickoffOutputs {
	return &KickoffOutputs{store: store}
}

func (m *KickoffOutputs) Category() persistence.Category { return persistence.CategoryKickoffOutputs }

func (m *KickoffOutputs) Clear(ctx context.Context) (int64, error) {
	return m.store.ClearTaskOutputs(ctx)
}

func (m *KickoffOutputs) Count(ctx context.Context) (int, error) {
	return m.store.CountTaskOutputs(ctx)
}

// Latest returns the records of the most recent kickoff, in task order.
func (m *KickoffOutputs) Latest(ctx context.Context) ([]persistence.TaskOutput, error) {
	all, err := m.store.LoadTaskOutputs(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return all, nil
	}
	kickoff := all[len(all)-1].KickoffID
	out := []persistence.TaskOutput{}
	for _, rec := range all {
		if rec.KickoffID == kickoff {
			out = append(out, rec)
		}
	}
	return out, nil
}
