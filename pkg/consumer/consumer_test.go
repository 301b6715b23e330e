package consumer

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/stagehand/internal/lg"
)

type report struct {
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
}

type fakeReader struct {
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.messages) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func newTestConsumer(values ...string) (*Consumer[report], *fakeReader) {
	r := &fakeReader{}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	return &Consumer[report]{reader: r, commit: true, log: lg.Discard}, r
}

func TestRead(t *testing.T) {
	c, r := newTestConsumer(`{"stage": "pre_task", "success": true}`, `{not json`)

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report{Stage: "pre_task", Success: true}, got)

	_, err = c.Read(context.Background())
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int64(1), de.Offset)
	assert.Equal(t, []int64{0, 1}, r.committed, "malformed messages are committed too")

	_, err = c.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}

func TestEachSkipsMalformed(t *testing.T) {
	c, _ := newTestConsumer(`{"stage": "run"}`, `[]`, `{"stage": "post_test"}`)

	var stages []string
	err := c.Each(context.Background(), func(r report) error {
		stages = append(stages, r.Stage)
		return nil
	})
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"run", "post_test"}, stages)
}

func TestEachStopsOnCallbackError(t *testing.T) {
	c, _ := newTestConsumer(`{"stage": "run"}`, `{"stage": "post_test"}`)
	stop := errors.New("stop")

	calls := 0
	err := c.Each(context.Background(), func(report) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestNewConsumerValidates(t *testing.T) {
	_, err := NewConsumer[report](Config{Topic: "results"}, nil)
	assert.Error(t, err)

	c, err := NewConsumer[report](Config{Brokers: []string{"localhost:9092"}, Topic: "results"}, nil)
	require.NoError(t, err)
	assert.False(t, c.commit)
	require.NoError(t, c.Close())
}
