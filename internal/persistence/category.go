package persistence

// Category names an independently resettable slice of persisted state.
type Category string

const (
	CategoryLongTerm       Category = "long_term"
	CategoryShortTerm      Category = "short_term"
	CategoryEntity         Category = "entity"
	CategoryKickoffOutputs Category = "kickoff_outputs"
)

// MemoryCategories are the categories backed by a memory table.
var MemoryCategories = []Category{CategoryLongTerm, CategoryShortTerm, CategoryEntity}

// AllCategories lists every category in reset order.
var AllCategories = []Category{CategoryLongTerm, CategoryShortTerm, CategoryEntity, CategoryKickoffOutputs}

// Table returns the SQLite table holding the category's rows.
func (c Category) Table() string {
	switch c {
	case CategoryLongTerm:
		return "long_term_memories"
	case CategoryShortTerm:
		return "short_term_memories"
	case CategoryEntity:
		return "entity_memories"
	case CategoryKickoffOutputs:
		return "task_outputs"
	}
	return ""
}

func (c Category) vecTable() string {
	if !c.IsMemory() {
		return ""
	}
	return "vec_" + c.Table()
}

// IsMemory reports whether c is one of the memory-table categories.
func (c Category) IsMemory() bool {
	switch c {
	case CategoryLongTerm, CategoryShortTerm, CategoryEntity:
		return true
	}
	return false
}

// Label is the human-facing name used in CLI output and audit records.
func (c Category) Label() string {
	switch c {
	case CategoryLongTerm:
		return "long term memory"
	case CategoryShortTerm:
		return "short term memory"
	case CategoryEntity:
		return "entity memory"
	case CategoryKickoffOutputs:
		return "latest kickoff task outputs"
	}
	return string(c)
}
