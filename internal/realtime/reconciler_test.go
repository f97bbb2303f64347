package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func modelRole() *domain.Role { return ptr(domain.RoleModel) }

func TestMerge_AppendsNewRow(t *testing.T) {
	history := []domain.Message{{ID: "m1", Role: domain.RoleModel, Text: "Hello", Order: 1}}
	row := MessageRow{ID: "m2", Role: ptr(domain.RoleUser), Text: ptr("Hi"), Order: ptr(2)}

	merged, changed := Merge(history, row)
	require.True(t, changed)
	require.Len(t, merged, 2)
	require.Equal(t, "m2", merged[1].ID)
	require.Len(t, history, 1)
}

func TestMerge_IDMatchMergesNonNilFields(t *testing.T) {
	snap := domain.Step(`{"type":"constructor","index":0}`)
	history := []domain.Message{{ID: "m1", Role: domain.RoleModel, Text: "old", Translation: "старый", Order: 3, StepSnapshot: snap}}

	merged, changed := Merge(history, MessageRow{ID: "m1", Text: ptr("new")})
	require.True(t, changed)
	require.Equal(t, "new", merged[0].Text)
	require.Equal(t, "старый", merged[0].Translation)
	require.Equal(t, 3, merged[0].Order)
	require.True(t, merged[0].StepSnapshot.Equal(snap))
	require.Equal(t, "old", history[0].Text)
}

func TestMerge_StructurallyEqualRowIsSkipped(t *testing.T) {
	history := []domain.Message{{
		ID: "m1", Role: domain.RoleModel, Text: "same", Order: 1,
		StepSnapshot: domain.Step(`{"type":"goal","n":1}`),
	}}
	row := MessageRow{
		ID: "m1", Role: modelRole(), Text: ptr("same"), Order: ptr(1),
		StepSnapshot: domain.Step(`{ "n": 1, "type": "goal" }`),
	}

	merged, changed := Merge(history, row)
	require.False(t, changed)
	require.Equal(t, history, merged)
}

func TestMerge_OptimisticMessageByOrderAndRole(t *testing.T) {
	history := []domain.Message{
		{ID: "m1", Role: domain.RoleModel, Text: "What do you drink?", Order: 1},
		{Role: domain.RoleUser, Text: "coffee", Order: 2},
	}
	row := MessageRow{ID: "u2", Role: ptr(domain.RoleUser), Text: ptr("Coffee."), Order: ptr(2)}

	merged, changed := Merge(history, row)
	require.True(t, changed)
	require.Len(t, merged, 2)
	require.Equal(t, "u2", merged[1].ID)
	require.Equal(t, "Coffee.", merged[1].Text)
}

func TestMerge_OptimisticMessageByTextAndRoleWhenOrderUnknown(t *testing.T) {
	history := []domain.Message{
		{ID: "m1", Role: domain.RoleModel, Text: "What do you drink?", Order: 1},
		{Role: domain.RoleUser, Text: "coffee"},
	}
	row := MessageRow{ID: "u2", Role: ptr(domain.RoleUser), Text: ptr("coffee"), Order: ptr(2)}

	merged, changed := Merge(history, row)
	require.True(t, changed)
	require.Len(t, merged, 2)
	require.Equal(t, "u2", merged[1].ID)
	require.Equal(t, 2, merged[1].Order)

	again, changed := Merge(merged, row)
	require.False(t, changed)
	require.Len(t, again, 2)
}

func TestMerge_SameTextDifferentRoleAppends(t *testing.T) {
	history := []domain.Message{{Role: domain.RoleUser, Text: "Hello"}}
	merged, changed := Merge(history, MessageRow{ID: "m9", Role: modelRole(), Text: ptr("Hello")})
	require.True(t, changed)
	require.Len(t, merged, 2)
}

func TestMerge_DifferentOrderSameRoleAppends(t *testing.T) {
	history := []domain.Message{{Role: domain.RoleUser, Text: "yes", Order: 2}}
	merged, changed := Merge(history, MessageRow{ID: "u4", Role: ptr(domain.RoleUser), Text: ptr("yes"), Order: ptr(4)})
	require.True(t, changed)
	require.Len(t, merged, 2)
}

func TestMerge_KnownIDsNeverCollapse(t *testing.T) {
	history := []domain.Message{{ID: "a", Role: domain.RoleUser, Text: "ok"}}
	merged, changed := Merge(history, MessageRow{ID: "b", Role: ptr(domain.RoleUser), Text: ptr("ok")})
	require.True(t, changed)
	require.Len(t, merged, 2)
}

func TestMerge_RowWithoutIDKeepsEntriesThatHaveOne(t *testing.T) {
	history := []domain.Message{
		{ID: "m2", Role: domain.RoleModel, Text: "Correct!", Order: 3, StepSnapshot: domain.Step(`{"type":"constructor","index":1}`)},
	}
	merged, changed := Merge(history, MessageRow{Role: modelRole(), Text: ptr("Correct!")})
	require.True(t, changed)
	require.Len(t, merged, 2)
	require.Equal(t, "m2", merged[0].ID)
	require.Empty(t, merged[1].ID)
	require.Equal(t, `{"type":"constructor","index":1}`, string(merged[0].StepSnapshot))
}

func TestMergeSince_OnlyAdoptsEntriesAfterFrom(t *testing.T) {
	history := []domain.Message{
		{ID: "m2", Role: domain.RoleModel, Text: "Correct!", Order: 3},
		{Role: domain.RoleModel, Text: "Translate: собака"},
		{ID: "u4", Role: domain.RoleUser, Text: "dog", Order: 4},
		{ID: "m5", Role: domain.RoleModel, Text: "Correct!", Order: 5},
	}
	snap := domain.Step(`{"type":"constructor","index":3}`)
	row := MessageRow{Role: modelRole(), Text: ptr("Correct!"), StepSnapshot: snap}

	merged, changed := MergeSince(history, row, 2)
	require.True(t, changed)
	require.Len(t, merged, 4)
	require.True(t, merged[3].StepSnapshot.Equal(snap))
	require.True(t, merged[0].StepSnapshot.IsZero())

	merged, changed = MergeSince(history, MessageRow{Role: modelRole(), Text: ptr("Translate: собака")}, 2)
	require.True(t, changed)
	require.Len(t, merged, 5)
}

func TestMerge_IncompleteRowIsDropped(t *testing.T) {
	history := []domain.Message{{ID: "m1", Role: domain.RoleModel, Text: "x"}}

	merged, changed := Merge(history, MessageRow{ID: "m2", Text: ptr("no role")})
	require.False(t, changed)
	require.Len(t, merged, 1)

	merged, changed = Merge(history, MessageRow{ID: "m3", Role: modelRole(), Text: ptr("  ")})
	require.False(t, changed)
	require.Len(t, merged, 1)
}

func TestMerge_NeverReorders(t *testing.T) {
	history := []domain.Message{
		{ID: "a", Role: domain.RoleModel, Text: "one", Order: 1},
		{ID: "b", Role: domain.RoleUser, Text: "two", Order: 2},
		{ID: "c", Role: domain.RoleModel, Text: "three", Order: 3},
	}
	merged, changed := Merge(history, MessageRow{ID: "a", Order: ptr(9)})
	require.True(t, changed)
	require.Equal(t, []string{"a", "b", "c"}, []string{merged[0].ID, merged[1].ID, merged[2].ID})
	require.Equal(t, 9, merged[0].Order)
}

func TestRowMatches(t *testing.T) {
	key := domain.LessonKey{Day: 2, Lesson: 3, Lang: "ru"}
	require.True(t, MessageRow{Day: 2, Lesson: 3}.Matches(key))
	require.True(t, MessageRow{Day: 2, Lesson: 3, Lang: "ru"}.Matches(key))
	require.False(t, MessageRow{Day: 2, Lesson: 3, Lang: "de"}.Matches(key))
	require.False(t, ProgressRow{Day: 2, Lesson: 4}.Matches(key))
}

func TestDecodeRows(t *testing.T) {
	key := domain.LessonKey{Day: 1, Lesson: 1, Lang: "ru"}

	row, ok := decodeMessageRow([]byte(`{"id":"x","day":1,"lesson":1,"role":"model","text":"hi","message_order":4,"current_step_snapshot":null}`), key)
	require.True(t, ok)
	require.Equal(t, "hi", *row.Text)
	require.Equal(t, 4, *row.Order)
	require.Nil(t, row.Translation)
	require.True(t, row.StepSnapshot.IsZero())

	_, ok = decodeMessageRow([]byte(`{"id":"x","day":5,"lesson":1}`), key)
	require.False(t, ok)
	_, ok = decodeMessageRow([]byte(`{nope`), key)
	require.False(t, ok)

	progress, ok := decodeProgressRow([]byte(`{"day":1,"lesson":1,"completed":true}`), key)
	require.True(t, ok)
	require.True(t, progress.Completed)
}

func TestRowFromMessage_FoldsFetchedHistory(t *testing.T) {
	local := []domain.Message{
		{ID: "m1", Role: domain.RoleModel, Text: "Question?", Order: 1},
		{Role: domain.RoleUser, Text: "answer"},
	}
	fetched := []domain.Message{
		{ID: "m1", Role: domain.RoleModel, Text: "Question?", Order: 1},
		{ID: "u2", Role: domain.RoleUser, Text: "answer", Order: 2},
		{ID: "m3", Role: domain.RoleModel, Text: "Great.", Order: 3},
	}

	merged := local
	for _, m := range fetched {
		merged, _ = Merge(merged, RowFromMessage(m))
	}
	require.Len(t, merged, 3)
	require.Equal(t, "u2", merged[1].ID)
	require.Equal(t, 2, merged[1].Order)
	require.Equal(t, "m3", merged[2].ID)
}
