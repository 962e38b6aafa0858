package events

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherFanOut(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	taskCh := p.Subscribe("T-1")
	globalCh := p.Subscribe(GlobalTaskID)
	otherCh := p.Subscribe("T-2")

	p.Publish(New(KindTransition, "proj", "T-1", nil))

	assert.Equal(t, KindTransition, (<-taskCh).Kind)
	assert.Equal(t, "T-1", (<-globalCh).TaskID)
	select {
	case e := <-otherCh:
		t.Fatalf("unexpected delivery to T-2 subscriber: %+v", e)
	default:
	}
}

func TestMemoryPublisherFullBufferDropsNotBlocks(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	ch := p.Subscribe("T-1")
	p.Publish(New(KindTransition, "proj", "T-1", map[string]any{"n": 1}))
	p.Publish(New(KindTransition, "proj", "T-1", map[string]any{"n": 2}))

	e := <-ch
	assert.EqualValues(t, 1, e.Data["n"])
	select {
	case e := <-ch:
		t.Fatalf("second event should have been dropped, got %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("T-1")
	p.Unsubscribe("T-1", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, p.SubscriberCount("T-1"))
}

func TestLogAppendAssignsSequence(t *testing.T) {
	log, err := OpenLog(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer log.Close()

	e1, err := log.Append(New(KindTaskFailed, "proj", "T-1", nil))
	require.NoError(t, err)
	e2, err := log.Append(New(KindTaskRequeued, "proj", "T-1", nil))
	require.NoError(t, err)

	assert.EqualValues(t, 1, e1.Seq)
	assert.EqualValues(t, 2, e2.Seq)
}

func TestLogReplaySinceCursor(t *testing.T) {
	log, err := OpenLog(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 3; i++ {
		_, err := log.Append(New(KindTransition, "proj", "T-1", nil))
		require.NoError(t, err)
	}

	all, err := log.ReplaySince(0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	tail, err := log.ReplaySince(2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.EqualValues(t, 3, tail[0].Seq)
}

func TestLogRecoversSequenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := OpenLog(path)
	require.NoError(t, err)
	_, err = log.Append(New(KindTransition, "proj", "T-1", nil))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	log, err = OpenLog(path)
	require.NoError(t, err)
	defer log.Close()

	e, err := log.Append(New(KindTransition, "proj", "T-1", nil))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e.Seq)
}

func TestLogSkipsCorruptTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := OpenLog(path)
	require.NoError(t, err)
	_, err = log.Append(New(KindTransition, "proj", "T-1", nil))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq": 2, "kind": "trans`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err = OpenLog(path)
	require.NoError(t, err)
	defer log.Close()

	e, err := log.Append(New(KindTransition, "proj", "T-1", nil))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e.Seq)

	replayed, err := log.ReplaySince(0)
	require.NoError(t, err)
	assert.Len(t, replayed, 2)
}

func TestPersistentPublisherStampsBeforeFanOut(t *testing.T) {
	log, err := OpenLog(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)

	p := NewPersistentPublisher(log, nil)
	defer p.Close()

	ch := p.Subscribe(GlobalTaskID)
	p.Publish(New(KindTaskCompleted, "proj", "T-1", nil))

	e := <-ch
	assert.EqualValues(t, 1, e.Seq)

	replayed, err := p.ReplaySince(0)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, KindTaskCompleted, replayed[0].Kind)
}
