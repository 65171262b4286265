package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeDirectoryDocs(t *testing.T) {
	t.Run("no existing documents", func(t *testing.T) {
		merged := mergeDirectoryDocs("room-1", nil, []int{3, 1}, []string{"en"})

		assert.Equal(t, "room-1", merged.RoomKey, "expected room key to be set")
		assert.Equal(t, []int{1, 3}, merged.Members, "expected incoming members sorted")
		assert.Equal(t, []string{"en"}, merged.Languages, "expected incoming languages")
	})

	t.Run("merges across duplicate documents", func(t *testing.T) {
		existing := []RoomDirectory{
			{Id: 7, RoomKey: "room-1", Members: []int{1, 2}, Languages: []string{"en"}},
			{Id: 9, RoomKey: "room-1", Members: []int{2, 5}, Languages: []string{"fr"}},
		}

		merged := mergeDirectoryDocs("room-1", existing, []int{8}, []string{"en", "de"})

		assert.Equal(t, 7, merged.Id, "expected the oldest row to survive")
		assert.Equal(t, []int{1, 2, 5, 8}, merged.Members, "expected union of members across duplicates")
		assert.Equal(t, []string{"de", "en", "fr"}, merged.Languages, "expected union of languages across duplicates")
	})

	t.Run("idempotent for repeated writes", func(t *testing.T) {
		existing := []RoomDirectory{
			{Id: 1, RoomKey: "room-1", Members: []int{1, 2}, Languages: []string{"en"}},
		}

		merged := mergeDirectoryDocs("room-1", existing, []int{2}, []string{"en"})

		assert.Equal(t, []int{1, 2}, merged.Members, "expected no change from duplicate member")
		assert.Equal(t, []string{"en"}, merged.Languages, "expected no change from duplicate language")
	})
}
