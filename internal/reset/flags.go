package reset

import (
	"errors"

	"github.com/basket/go-crew/internal/persistence"
)

// ErrNoCategorySelected is returned when a reset request selects nothing.
var ErrNoCategorySelected = errors.New("no memory category selected")

// Flags selects the categories a reset clears. All overrides the others.
type Flags struct {
	Long           bool
	Short          bool
	Entities       bool
	KickoffOutputs bool
	All            bool
}

// Categories returns the selected categories in reset order.
func (f Flags) Categories() []persistence.Category {
	if f.All {
		return append([]persistence.Category(nil), persistence.AllCategories...)
	}
	var out []persistence.Category
	if f.Long {
		out = append(out, persistence.CategoryLongTerm)
	}
	if f.Short {
		out = append(out, persistence.CategoryShortTerm)
	}
	if f.Entities {
		out = append(out, persistence.CategoryEntity)
	}
	if f.KickoffOutputs {
		out = append(out, persistence.CategoryKickoffOutputs)
	}
	return out
}

// Validate reports ErrNoCategorySelected when no flag is set.
func (f Flags) Validate() error {
	if len(f.Categories()) == 0 {
		return ErrNoCategorySelected
	}
	return nil
}
