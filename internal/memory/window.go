package memory

import "github.com/basket/go-crew/internal/persistence"

// WindowConfig bounds the short-term recency window handed to an agent.
type WindowConfig struct {
	MaxEntries int // max entries to keep (default: 20)
	MaxTokens  int // max total estimated tokens (default: 2000)
}

// DefaultWindowConfig returns the window used when callers pass a zero config.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxEntries: 20,
		MaxTokens:  2000,
	}
}

// WindowResult is the output of BuildWindow.
type WindowResult struct {
	Entries        []persistence.MemoryEntry // oldest first
	TotalTokens    int
	TruncatedCount int // entries that did not fit
}

// BuildWindow selects the most recent entries that fit the budget.
// Takes entries oldest first and returns the fitting suffix, oldest first.
func BuildWindow(entries []persistence.MemoryEntry, cfg WindowConfig) WindowResult {
	if len(entries) == 0 {
		return WindowResult{Entries: []persistence.MemoryEntry{}}
	}
	def := DefaultWindowConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}

	var selected []persistence.MemoryEntry
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if len(selected) >= cfg.MaxEntries {
			break
		}
		tokens := EstimateTokens(entries[i].Content)
		if total+tokens > cfg.MaxTokens {
			break
		}
		selected = append(selected, entries[i])
		total += tokens
	}

	for i := 0; i < len(selected)/2; i++ {
		j := len(selected) - 1 - i
		selected[i], selected[j] = selected[j], selected[i]
	}
	if selected == nil {
		selected = []persistence.MemoryEntry{}
	}
	return WindowResult{
		Entries:        selected,
		TotalTokens:    total,
		TruncatedCount: len(entries) - len(selected),
	}
}
