package persistence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// timestampLayout is fixed-width so lexical order on the TEXT column matches
// chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// TaskOutput is one immutable task execution record.
type TaskOutput struct {
	Seq            int64          `json:"seq"`
	TaskID         string         `json:"task_id"`
	KickoffID      string         `json:"kickoff_id"`
	TaskIndex      int            `json:"task_index"`
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output"`
	RawOutput      string         `json:"raw_output"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	OutputSchema   string         `json:"output_schema,omitempty"`
	WasReplayed    bool           `json:"was_replayed"`
	Supersedes     int64          `json:"supersedes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MemoryEntry is one row of a memory category.
type MemoryEntry struct {
	ID        int64             `json:"id"`
	Category  Category          `json:"category"`
	Key       string            `json:"key"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	Score     float64           `json:"score"`
	CreatedAt time.Time         `json:"created_at"`

	// Similarity is filled by embedding queries only; it is never stored.
	Similarity float64 `json:"similarity,omitempty"`
}

// taskOutputRow is the storage-native shape of a TaskOutput.
type taskOutputRow struct {
	seq            int64
	taskID         string
	kickoffID      string
	taskIndex      int
	description    string
	expectedOutput string
	rawOutput      string
	inputs         string
	outputSchema   string
	wasReplayed    int
	supersedes     int64
	createdAt      string
}

const taskOutputColumns = `seq, task_id, kickoff_id, task_index, description, expected_output, raw_output, inputs, output_schema, was_replayed, supersedes, created_at`

func encodeTaskOutput(rec TaskOutput) (taskOutputRow, error) {
	inputs := "{}"
	if len(rec.Inputs) > 0 {
		b, err := json.Marshal(rec.Inputs)
		if err != nil {
			return taskOutputRow{}, fmt.Errorf("marshal inputs: %w", err)
		}
		inputs = string(b)
	}
	return taskOutputRow{
		seq:            rec.Seq,
		taskID:         rec.TaskID,
		kickoffID:      rec.KickoffID,
		taskIndex:      rec.TaskIndex,
		description:    rec.Description,
		expectedOutput: rec.ExpectedOutput,
		rawOutput:      rec.RawOutput,
		inputs:         inputs,
		outputSchema:   rec.OutputSchema,
		wasReplayed:    boolToInt(rec.WasReplayed),
		supersedes:     rec.Supersedes,
		createdAt:      formatTimestamp(rec.CreatedAt),
	}, nil
}

func (r *taskOutputRow) scanTargets() []any {
	return []any{
		&r.seq, &r.taskID, &r.kickoffID, &r.taskIndex, &r.description, &r.expectedOutput,
		&r.rawOutput, &r.inputs, &r.outputSchema, &r.wasReplayed, &r.supersedes, &r.createdAt,
	}
}

func decodeTaskOutput(scanFn func(dest ...any) error) (TaskOutput, error) {
	var r taskOutputRow
	if err := scanFn(r.scanTargets()...); err != nil {
		return TaskOutput{}, err
	}
	rec := TaskOutput{
		Seq:            r.seq,
		TaskID:         r.taskID,
		KickoffID:      r.kickoffID,
		TaskIndex:      r.taskIndex,
		Description:    r.description,
		ExpectedOutput: r.expectedOutput,
		RawOutput:      r.rawOutput,
		OutputSchema:   r.outputSchema,
		WasReplayed:    r.wasReplayed != 0,
		Supersedes:     r.supersedes,
	}
	if r.inputs != "" && r.inputs != "{}" {
		if err := json.Unmarshal([]byte(r.inputs), &rec.Inputs); err != nil {
			return TaskOutput{}, fmt.Errorf("decode inputs for task %s: %w", r.taskID, err)
		}
	}
	ts, err := parseTimestamp(r.createdAt)
	if err != nil {
		return TaskOutput{}, fmt.Errorf("decode created_at for task %s: %w", r.taskID, err)
	}
	rec.CreatedAt = ts
	return rec, nil
}

const memoryColumns = `id, key, content, metadata, embedding, score, created_at`

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func decodeMemory(c Category, scanFn func(dest ...any) error) (MemoryEntry, error) {
	var (
		m         MemoryEntry
		metadata  string
		embedding []byte
		createdAt string
	)
	if err := scanFn(&m.ID, &m.Key, &m.Content, &metadata, &embedding, &m.Score, &createdAt); err != nil {
		return MemoryEntry{}, err
	}
	m.Category = c
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return MemoryEntry{}, fmt.Errorf("decode metadata for %s/%d: %w", c, m.ID, err)
		}
	}
	if len(embedding) > 0 {
		v, err := deserializeFloat32(embedding)
		if err != nil {
			return MemoryEntry{}, err
		}
		m.Embedding = v
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("decode created_at for %s/%d: %w", c, m.ID, err)
	}
	m.CreatedAt = ts
	return m, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// serializeFloat32 converts a float32 slice to the little-endian BLOB format
// sqlite-vec expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d: must be divisible by 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
