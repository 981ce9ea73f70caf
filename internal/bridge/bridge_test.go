package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensorlink/internal/sink"
	"github.com/temoto/sensorlink/internal/types"
	"github.com/temoto/sensorlink/log2"
)

type fakePublisher struct {
	mu       sync.Mutex
	failN    int // first failN publishes fail
	payloads [][]byte
}

func (fp *fakePublisher) Publish(payload []byte) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.failN > 0 {
		fp.failN--
		return fmt.Errorf("broker unreachable")
	}
	fp.payloads = append(fp.payloads, append([]byte(nil), payload...))
	return nil
}

func (fp *fakePublisher) Close() {}

func (fp *fakePublisher) count() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.payloads)
}

func (fp *fakePublisher) last() []byte {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.payloads[len(fp.payloads)-1]
}

func waitFor(t testing.TB, timeout time.Duration, check func() bool) {
	deadline := time.Now().Add(timeout)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestBridge(t testing.TB, next sink.Storer, fp *fakePublisher) *Bridge {
	return newTestBridgeDir(t, next, fp, filepath.Join(t.TempDir(), "q"))
}

func newTestBridgeDir(t testing.TB, next sink.Storer, fp *fakePublisher, dir string) *Bridge {
	b, err := newBridge(next, fp, dir, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	b.backoff.Min = 1 * time.Millisecond
	b.backoff.Max = 10 * time.Millisecond
	go b.qworker()
	return b
}

func TestStoreThenPublish(t *testing.T) {
	ms := new(sink.MemSink)
	fp := new(fakePublisher)
	b := newTestBridge(t, ms, fp)
	defer b.Close()

	require.NoError(t, b.Store(context.Background(), types.Reading{SensorType: "temp", Value: 23.5}))
	assert.Equal(t, 1, ms.Len(), "wrapped sink stores first")

	waitFor(t, 5*time.Second, func() bool { return fp.count() == 1 })
	var rec record
	require.NoError(t, json.Unmarshal(fp.last(), &rec))
	assert.Equal(t, "temp", rec.SensorType)
	assert.Equal(t, 23.5, rec.Value)
	assert.NotZero(t, rec.ObservedAt)
}

func TestSinkFailureNotQueued(t *testing.T) {
	fp := new(fakePublisher)
	b := newTestBridge(t, failStore{}, fp)
	defer b.Close()

	err := b.Store(context.Background(), types.Reading{SensorType: "temp", Value: 1})
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fp.count(), "rejected reading must not reach the broker")
}

type failStore struct{}

func (failStore) Store(ctx context.Context, r types.Reading) error {
	return fmt.Errorf("constraint violation")
}

func TestPublishRetried(t *testing.T) {
	ms := new(sink.MemSink)
	fp := &fakePublisher{failN: 2}
	b := newTestBridge(t, ms, fp)
	defer b.Close()

	require.NoError(t, b.Store(context.Background(), types.Reading{SensorType: "temp", Value: 7}))
	waitFor(t, 5*time.Second, func() bool { return fp.count() == 1 })
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")

	// never publishes, reading stays queued
	stuck := &fakePublisher{failN: 1 << 30}
	b1 := newTestBridgeDir(t, new(sink.MemSink), stuck, dir)
	require.NoError(t, b1.Store(context.Background(), types.Reading{SensorType: "temp", Value: 9}))
	time.Sleep(20 * time.Millisecond)
	b1.Close()

	fp := new(fakePublisher)
	b2 := newTestBridgeDir(t, new(sink.MemSink), fp, dir)
	defer b2.Close()
	waitFor(t, 5*time.Second, func() bool { return fp.count() == 1 })

	var rec record
	require.NoError(t, json.Unmarshal(fp.last(), &rec))
	assert.Equal(t, "temp", rec.SensorType)
}

func TestBrokenRecordDropped(t *testing.T) {
	ms := new(sink.MemSink)
	fp := new(fakePublisher)
	b := newTestBridge(t, ms, fp)
	defer b.Close()

	require.NoError(t, b.q.Push([]byte{0xee, 0xee})) // unknown version
	require.NoError(t, b.Store(context.Background(), types.Reading{SensorType: "temp", Value: 2}))

	waitFor(t, 5*time.Second, func() bool { return fp.count() == 1 })
	var rec record
	require.NoError(t, json.Unmarshal(fp.last(), &rec))
	assert.Equal(t, "temp", rec.SensorType, "broken record skipped, good one published")
}
