package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

func TestHubFanOut(t *testing.T) {
	t.Parallel()

	lggr, logs := logger.TestObserved(t, zapcore.InfoLevel)
	hub := NewHub(lggr, NewLogSink(lggr))

	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelB()
	assert.Equal(t, 2, hub.Subscribers())

	hub.Notify(New(LevelSuccess, KeyAdminAction, "Action confirmed successfully!"))

	got := <-a
	assert.Equal(t, "Action confirmed successfully!", got.Message)
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, got, <-b)
	assert.Equal(t, 1, logs.FilterMessage("Action confirmed successfully!").Len())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())

	// zero id and time are filled in
	hub.Notify(Notification{Level: LevelInfo, Message: "bare"})
	n := <-b
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.False(t, n.At.IsZero())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(logger.Test(t))
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Notify(New(LevelInfo, "", "first"))
	hub.Notify(New(LevelInfo, "", "second"))

	assert.Equal(t, "first", (<-ch).Message)
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %q", n.Message)
	default:
	}
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Notification) error { return errors.New("down") }

func TestHubLogsSinkFailure(t *testing.T) {
	t.Parallel()

	lggr, logs := logger.TestObserved(t, zapcore.WarnLevel)
	hub := NewHub(lggr, failingSink{})
	hub.Notify(New(LevelError, KeyDepositAction, "Deposit failed: boom"))

	assert.Equal(t, 1, logs.FilterMessage("Notification sink failed").Len())
}

func TestKafkaSink(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "escrow.notifications", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, KeyDepositAction, string(key))

		raw, err := msg.Value.Encode()
		require.NoError(t, err)
		var n Notification
		require.NoError(t, json.Unmarshal(raw, &n))
		assert.Equal(t, "Transaction confirmed! Deposit Successful!", n.Message)
		assert.Equal(t, LevelSuccess, n.Level)
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkWithProducer(producer, "escrow.notifications")
	require.NoError(t, sink.Publish(context.Background(), New(LevelSuccess, KeyDepositAction, "Transaction confirmed! Deposit Successful!")))

	err := sink.Publish(context.Background(), New(LevelInfo, "", "second"))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sink.Publish(ctx, New(LevelInfo, "", "late")), context.Canceled)

	require.NoError(t, sink.Close())

	_, err = NewKafkaSink(nil, "topic")
	require.Error(t, err)
}
