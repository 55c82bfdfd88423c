package reset

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basket/go-crew/internal/persistence"
)

func TestFlags_Categories(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		want  []persistence.Category
	}{
		{"none", Flags{}, nil},
		{"all", Flags{All: true}, persistence.AllCategories},
		{"combined keeps reset order", Flags{Entities: true, Long: true}, []persistence.Category{persistence.CategoryLongTerm, persistence.CategoryEntity}},
		{"kickoff", Flags{KickoffOutputs: true}, []persistence.Category{persistence.CategoryKickoffOutputs}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.flags.Categories())
		})
	}
}

func TestFlags_Validate(t *testing.T) {
	assert.ErrorIs(t, Flags{}.Validate(), ErrNoCategorySelected)
	assert.NoError(t, Flags{Short: true}.Validate())
	assert.NoError(t, Flags{All: true}.Validate())
}

func TestFlags_AllDoesNotAliasPackageSlice(t *testing.T) {
	cats := Flags{All: true}.Categories()
	cats[0] = "mutated"
	assert.Equal(t, persistence.CategoryLongTerm, persistence.AllCategories[0])
}

