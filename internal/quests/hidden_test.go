package quests

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/stretchr/testify/require"
)

func TestHiddenNoteQuestStore(t *testing.T) {
	db := openTestDatabase(t)
	clock := &fixedClock{now: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)}
	store, err := NewHiddenNoteQuestStore(db, clock.Now)
	require.NoError(t, err)
	ctx := context.Background()

	contains, err := store.Contains(ctx, 1)
	require.NoError(t, err)
	require.False(t, contains)

	added, err := store.Add(ctx, 1)
	require.NoError(t, err)
	require.True(t, added)
	added, err = store.Add(ctx, 1)
	require.NoError(t, err)
	require.False(t, added)

	clock.Advance(time.Minute)
	cutoff := clock.Now()
	clock.Advance(time.Minute)
	written, err := store.AddAll(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, int64(2), written)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, all)

	newer, err := store.GetNewerThan(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, newer, 2)
	require.Equal(t, int64(2), newer[0].Key)

	deleted, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)
	for _, id := range []int64{1, 2, 3} {
		contains, err := store.Contains(ctx, id)
		require.NoError(t, err)
		require.False(t, contains)
	}
}

func TestHiddenElementQuestStore(t *testing.T) {
	db := openTestDatabase(t)
	clock := &fixedClock{now: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)}
	store, err := NewHiddenElementQuestStore(db, clock.Now)
	require.NoError(t, err)
	ctx := context.Background()

	roadName, err := NewElementQuestKey("way", 10, "AddRoadName")
	require.NoError(t, err)
	surface, err := NewElementQuestKey("way", 10, "AddRoadSurface")
	require.NoError(t, err)

	added, err := store.Add(ctx, roadName)
	require.NoError(t, err)
	require.True(t, added)
	added, err = store.Add(ctx, roadName)
	require.NoError(t, err)
	require.False(t, added)

	contains, err := store.Contains(ctx, surface)
	require.NoError(t, err)
	require.False(t, contains)

	written, err := store.AddAll(ctx, []ElementQuestKey{roadName, surface})
	require.NoError(t, err)
	require.Equal(t, int64(1), written)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []ElementQuestKey{roadName, surface}, all)
	require.Equal(t, edits.ElementTypeWay, all[0].Element.Type)

	newer, err := store.GetNewerThan(ctx, clock.Now().Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, newer, 2)

	deleted, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
	contains, err = store.Contains(ctx, roadName)
	require.NoError(t, err)
	require.False(t, contains)
}

func TestNewElementQuestKeyValidates(t *testing.T) {
	_, err := NewElementQuestKey("area", 1, "AddRoadName")
	require.ErrorIs(t, err, ErrInvalidQuestKey)
	_, err = NewElementQuestKey("node", 1, " ")
	require.ErrorIs(t, err, ErrInvalidQuestKey)
}

func TestVisibleQuestTypeStore(t *testing.T) {
	store, err := NewVisibleQuestTypeStore(openTestDatabase(t))
	require.NoError(t, err)
	ctx := context.Background()

	visible, err := store.Get(ctx, "AddRoadName")
	require.NoError(t, err)
	require.True(t, visible)

	require.NoError(t, store.Put(ctx, "AddRoadName", false))
	require.NoError(t, store.Put(ctx, "AddOpeningHours", true))
	visible, err = store.Get(ctx, "AddRoadName")
	require.NoError(t, err)
	require.False(t, visible)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"AddRoadName": false, "AddOpeningHours": true}, all)

	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), cleared)
	visible, err = store.Get(ctx, "AddRoadName")
	require.NoError(t, err)
	require.True(t, visible)

	require.Error(t, store.Put(ctx, " ", true))
}
