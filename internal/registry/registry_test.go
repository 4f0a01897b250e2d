package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
)

func sampleNode(id string) types.CognitiveNode {
	return types.CognitiveNode{
		ID: id, Category: types.CategoryResearch, CostClass: types.CostResearch,
		Priority: types.PriorityNormal, Enabled: true,
	}
}

func TestRegister_IdempotentForIdenticalDefinition(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleNode("research.wiki_page")))
	require.NoError(t, r.Register(sampleNode("research.wiki_page")))
}

func TestRegister_RejectsConflictingRedefinition(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleNode("research.wiki_page")))

	other := sampleNode("research.wiki_page")
	other.Category = types.CategoryJournal
	require.Error(t, r.Register(other))
}

func TestDispatchable_FalseWhenDisabled(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleNode("n1")))
	require.NoError(t, r.SetEnabled(context.Background(), "n1", false))

	_, ok := r.Dispatchable("n1", time.Now())
	assert.False(t, ok)
}

func TestDispatchable_FalseWhileSuspended(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleNode("n1")))
	require.NoError(t, r.SuspendUntil(context.Background(), "n1", time.Now().Add(time.Hour)))

	_, ok := r.Dispatchable("n1", time.Now())
	assert.False(t, ok)
}

func TestOverridePriority_TakesPrecedenceOverDefault(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(sampleNode("n1")))
	high := types.PriorityHigh
	require.NoError(t, r.OverridePriority(context.Background(), "n1", &high))

	p, ok := r.Dispatchable("n1", time.Now())
	require.True(t, ok)
	assert.Equal(t, types.PriorityHigh, p)
}

func TestList_SortedByCategoryThenID(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(types.CognitiveNode{ID: "z", Category: types.CategoryJournal, Enabled: true}))
	require.NoError(t, r.Register(types.CognitiveNode{ID: "a", Category: types.CategoryJournal, Enabled: true}))
	require.NoError(t, r.Register(types.CognitiveNode{ID: "b", Category: types.CategoryChat, Enabled: true}))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].Node.ID)
	assert.Equal(t, "a", list[1].Node.ID)
	assert.Equal(t, "z", list[2].Node.ID)
}

func TestRestoreOverrides_ReappliesPersistedState(t *testing.T) {
	st := store.NewMemStore()
	r := New(st)
	require.NoError(t, r.Register(sampleNode("n1")))
	require.NoError(t, r.SetEnabled(context.Background(), "n1", false))

	r2 := New(st)
	require.NoError(t, r2.Register(sampleNode("n1")))
	require.NoError(t, r2.RestoreOverrides(context.Background()))

	_, ok := r2.Dispatchable("n1", time.Now())
	assert.False(t, ok)
}
