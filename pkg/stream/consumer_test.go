package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/dailyagg/pkg/aggregate"
	"github.com/nicktill/dailyagg/pkg/model"
	"github.com/nicktill/dailyagg/pkg/storage/memory"
)

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeReader replays messages then reports io.EOF like a closed kafka.Reader
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(f.messages) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func readingMessage(t *testing.T, offset int64, r model.Reading) kafka.Message {
	t.Helper()
	value, err := json.Marshal(r)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

// flakyRecorder fails the first n calls with a store error
type flakyRecorder struct {
	next     Recorder
	failures int
	calls    int
}

func (f *flakyRecorder) Record(ctx context.Context, r model.Reading) (*model.DailyAggregate, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: connection reset", aggregate.ErrStoreUnavailable)
	}
	return f.next.Record(ctx, r)
}

func TestConsumer_RecordsAndCommits(t *testing.T) {
	store := memory.New()
	agg := aggregate.New(store)

	reader := &fakeReader{messages: []kafka.Message{
		readingMessage(t, 1, model.Reading{DeviceID: "meter-1", Timestamp: jan1.Add(time.Hour), ActiveEnergy: 200, ActivePower: 100}),
		{Offset: 2, Value: []byte("{not json")},
		readingMessage(t, 3, model.Reading{DeviceID: "", Timestamp: jan1}),
		readingMessage(t, 4, model.Reading{DeviceID: "meter-1", Timestamp: jan1.Add(2 * time.Hour), ActiveEnergy: 100, ActivePower: 50}),
	}}

	consumer := NewConsumer(reader, agg, WithBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, consumer.Run(context.Background()))

	// Bad messages are skipped but still committed
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
	assert.Equal(t, Stats{Recorded: 2, Skipped: 2}, consumer.Stats())

	found, err := store.FindOne(context.Background(), "meter-1", jan1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(2), found.AggregateCount)
	assert.Equal(t, 300.0, found.ActiveEnergy)
	assert.Equal(t, 75.0, found.ActivePowerAvg)
}

func TestConsumer_RetriesStoreUnavailable(t *testing.T) {
	store := memory.New()
	recorder := &flakyRecorder{next: aggregate.New(store), failures: 3}

	reader := &fakeReader{messages: []kafka.Message{
		readingMessage(t, 7, model.Reading{DeviceID: "meter-1", Timestamp: jan1, ActiveEnergy: 1, ActivePower: 1}),
	}}

	consumer := NewConsumer(reader, recorder, WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, 4, recorder.calls)
	assert.Equal(t, []int64{7}, reader.committed)
	assert.Equal(t, Stats{Recorded: 1, Retries: 3}, consumer.Stats())
}

func TestConsumer_CancelDuringRetryDoesNotCommit(t *testing.T) {
	recorder := &flakyRecorder{failures: 1 << 30}
	reader := &fakeReader{messages: []kafka.Message{
		readingMessage(t, 9, model.Reading{DeviceID: "meter-1", Timestamp: jan1}),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	consumer := NewConsumer(reader, recorder, WithBackoff(5*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, consumer.Run(ctx))

	assert.Empty(t, reader.committed)
	assert.Greater(t, consumer.Stats().Retries, uint64(0))
}

func TestNewReader_Validation(t *testing.T) {
	_, err := NewReader(Config{Topic: "t", GroupID: "g"})
	require.Error(t, err)

	_, err = NewReader(Config{Brokers: []string{"localhost:9092"}, GroupID: "g"})
	require.Error(t, err)

	_, err = NewReader(Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.Error(t, err)
}
