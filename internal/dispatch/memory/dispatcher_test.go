package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upsitesolutions/sir/internal/domain"
)

func TestDispatcher_RecordsCopies(t *testing.T) {
	d := New()
	set := domain.NewReindexSet()
	set.Add(domain.KindRecording, 1, 2)

	require.NoError(t, d.Apply(context.Background(), set))
	set.Add(domain.KindRecording, 3)

	applied := d.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, []uint32{1, 2}, applied[0].IDs(domain.KindRecording))
}

func TestDispatcher_EmptyNotRecorded(t *testing.T) {
	d := New()
	require.NoError(t, d.Apply(context.Background(), domain.NewReindexSet()))
	require.NoError(t, d.Apply(context.Background(), nil))
	assert.Empty(t, d.Applied())
}

func TestDispatcher_FailWith(t *testing.T) {
	d := New()
	d.FailWith(errors.New("boom"))

	set := domain.NewReindexSet()
	set.Add(domain.KindRelease, 5)
	assert.EqualError(t, d.Apply(context.Background(), set), "boom")

	d.FailWith(nil)
	require.NoError(t, d.Apply(context.Background(), set))
	assert.Len(t, d.Applied(), 1)
}

func TestDispatcher_Merged(t *testing.T) {
	d := New()
	a := domain.NewReindexSet()
	a.Add(domain.KindRecording, 1)
	b := domain.NewReindexSet()
	b.Add(domain.KindRecording, 1, 2)
	b.Add(domain.KindReleaseGroup, 9)

	require.NoError(t, d.Apply(context.Background(), a))
	require.NoError(t, d.Apply(context.Background(), b))

	merged := d.Merged()
	assert.Equal(t, []uint32{1, 2}, merged.IDs(domain.KindRecording))
	assert.Equal(t, 3, merged.Total())
}

func TestDispatcher_CanceledContext(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Apply(ctx, domain.NewReindexSet()), context.Canceled)
}

func TestDispatcher_Ping(t *testing.T) {
	d := New()
	assert.NoError(t, d.Ping(context.Background()))
	d.SetPingError(errors.New("down"))
	assert.Error(t, d.Ping(context.Background()))
}
