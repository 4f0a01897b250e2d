package statebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhearth/cogkernel/internal/store"
	"github.com/lumenhearth/cogkernel/internal/types"
)

func TestWriteDelta_AppliesAdditiveEmotionalDelta(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)

	next, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source:          "chat.respond",
		Timestamp:       time.Now(),
		EmotionalDeltas: map[string]float64{"engagement": 0.3},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, next.Engagement, 1e-9)
	assert.Equal(t, uint64(1), next.Revision)
}

func TestWriteDelta_ClampsOutOfRangeValues(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	_, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source:          "x",
		EmotionalDeltas: map[string]float64{"engagement": 5.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Read().Engagement)
}

func TestWriteDelta_RejectsUnknownEmotionalField(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	_, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source:          "x",
		EmotionalDeltas: map[string]float64{"nonexistent": 0.1},
	})
	require.Error(t, err)
}

func TestWriteDelta_CompareAndSwapFailsOnStaleRevision(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	_, err := b.WriteDelta(context.Background(), types.StateDelta{Source: "a", EmotionalDeltas: map[string]float64{"engagement": 0.1}})
	require.NoError(t, err)
	_, err = b.WriteDelta(context.Background(), types.StateDelta{Source: "a", EmotionalDeltas: map[string]float64{"engagement": 0.1}})
	require.NoError(t, err)

	// Current revision is 2; expecting revision 1 is stale.
	_, err = b.WriteDelta(context.Background(), types.StateDelta{
		Source:           "b",
		ExpectedRevision:  1,
		EmotionalDeltas:   map[string]float64{"engagement": 0.1},
	})
	require.Error(t, err)
}

func TestWriteDelta_SessionStartThenChatActivityAllowed(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	next, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source:          "chat",
		ActivityFlag:    types.SetValue,
		Activity:        types.ActivityChat,
		SessionIDFlag:   types.SetValue,
		ActiveSessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActivityChat, next.CurrentActivity)
	assert.Equal(t, "sess-1", next.ActiveSessionID)
}

func TestWriteDelta_NonIdleToNonIdleWithoutInterveningIdleRejected(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	_, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source: "chat", ActivityFlag: types.SetValue, Activity: types.ActivityChat,
		SessionIDFlag: types.SetValue, ActiveSessionID: "sess-1",
	})
	require.NoError(t, err)

	_, err = b.WriteDelta(context.Background(), types.StateDelta{
		Source: "research.wiki_page", ActivityFlag: types.SetValue, Activity: types.ActivityResearch,
	})
	require.Error(t, err)
}

func TestWriteDelta_ClearingSessionRestoresIdle(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	_, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source: "chat", ActivityFlag: types.SetValue, Activity: types.ActivityChat,
		SessionIDFlag: types.SetValue, ActiveSessionID: "sess-1",
	})
	require.NoError(t, err)

	next, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source: "chat", SessionIDFlag: types.SetClear,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActivityIdle, next.CurrentActivity)
	assert.Empty(t, next.ActiveSessionID)
}

func TestWriteDelta_NarrativeThreadsAddAndRemove(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	next, err := b.WriteDelta(context.Background(), types.StateDelta{
		Source: "x", AddThreads: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, next.ActiveThreads)

	next, err = b.WriteDelta(context.Background(), types.StateDelta{
		Source: "x", AddThreads: []string{"c"}, RemoveThreads: []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, next.ActiveThreads)
}

func TestWriteDelta_NarrativeThreadsBoundedToMostRecentN(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 3)

	var next *types.GlobalState
	var err error
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		next, err = b.WriteDelta(context.Background(), types.StateDelta{
			Source: "x", AddThreads: []string{id},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c", "d", "e"}, next.ActiveThreads)
}

func TestSubscribe_ReceivesMatchingEventsOnly(t *testing.T) {
	b := New(nil, nil, nil, nil, nil, 0)
	ch, cancel := b.Subscribe("state.changed")
	defer cancel()

	_, err := b.WriteDelta(context.Background(), types.StateDelta{Source: "x", EmotionalDeltas: map[string]float64{"engagement": 0.1}})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "state.changed", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected state.changed event")
	}
}

func TestSnapshotRestore_RoundTripsThroughStore(t *testing.T) {
	st := store.NewMemStore()
	b := New(nil, st, nil, nil, nil, 0)
	_, err := b.WriteDelta(context.Background(), types.StateDelta{Source: "x", EmotionalDeltas: map[string]float64{"curiosity": 0.2}})
	require.NoError(t, err)
	require.NoError(t, b.Snapshot(context.Background()))

	b2 := New(nil, st, nil, nil, nil, 0)
	require.NoError(t, b2.Restore(context.Background()))
	assert.InDelta(t, 0.2, b2.Read().Curiosity, 1e-9)
}

func TestDecayTick_PullsTowardBaseline(t *testing.T) {
	b := New(&types.GlobalState{Engagement: 1.0, CurrentActivity: types.ActivityIdle}, nil, nil, nil, BaselineVector{
		"engagement": {Baseline: 0.5, Rate: 0.5},
	}, 0)
	b.decayTick(context.Background(), time.Now())
	assert.InDelta(t, 0.75, b.Read().Engagement, 1e-9)
}
