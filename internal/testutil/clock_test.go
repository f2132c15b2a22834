package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/model"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestManualClock_AdvanceAndSet(t *testing.T) {
	c := NewManualClock(time.Time{})

	got := c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)

	c.Set(Epoch)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now(), "never moves backwards")
}

func TestFakeDispatcher_ScriptedSteps(t *testing.T) {
	clock := NewManualClock(time.Time{})
	boom := errors.New("boom")
	d := NewFakeDispatcher(clock, Step{Err: boom}, Step{Delay: 50 * time.Millisecond})

	_, err := d.Dispatch(context.Background(), dispatch.Request{BatchID: "b1"})
	require.ErrorIs(t, err, boom)

	ack, err := d.Dispatch(context.Background(), dispatch.Request{BatchID: "b2"})
	require.NoError(t, err)
	assert.True(t, ack.Durable)
	assert.Equal(t, Epoch.Add(50*time.Millisecond), ack.AckedAt)

	ack, err = d.Dispatch(context.Background(), dispatch.Request{BatchID: "b3"})
	require.NoError(t, err)
	assert.Equal(t, "b3", ack.BatchID)
	assert.Len(t, d.Requests(), 3)
}

func TestFakeDispatcher_BlockHonoursContext(t *testing.T) {
	d := NewFakeDispatcher(nil, Step{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, dispatch.Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeDispatcher_RemotesBecomeConflicts(t *testing.T) {
	local := model.MustNew(model.Params{ID: "op-1", EntityType: model.EntityCheckIn, RecordID: "rec-1", Class: model.PriorityMediumUser})
	other := model.MustNew(model.Params{ID: "op-2", EntityType: model.EntityCheckIn, RecordID: "rec-2", Class: model.PriorityMediumUser})
	remote := model.MustNew(model.Params{ID: "remote-1", EntityType: model.EntityCheckIn, RecordID: "rec-1", Class: model.PriorityMediumUser})

	d := NewFakeDispatcher(nil, Step{Remotes: map[string]*model.Operation{"op-1": remote}})
	ack, err := d.Dispatch(context.Background(), dispatch.Request{Operations: []*model.Operation{local, other}})
	require.NoError(t, err)

	require.Len(t, ack.Conflicts, 1)
	assert.Equal(t, "op-1", ack.Conflicts[0].Local.ID())
	assert.Equal(t, "remote-1", ack.Conflicts[0].Remote.ID())
}
