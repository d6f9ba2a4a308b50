package notification

import (
	"context"
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/models"
	"github.com/smukkama/weather-alerts/internal/protocol"
	"github.com/smukkama/weather-alerts/pkg/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(typ protocol.NotificationType, userID string) *protocol.AlertNotification {
	v := 31.5
	n := protocol.NewAlertNotification(typ, &models.Alert{
		ID:        "a1",
		UserID:    userID,
		Name:      "Heat in London",
		Location:  models.City("London"),
		Parameter: models.ParamTemperature,
		Operator:  models.OpGreaterThan,
		Threshold: 30,
	}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if typ != protocol.AlertError {
		n.Value = &v
	}
	return n
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(4, 0, nil)

	sub, err := hub.Subscribe("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Stats().Subscribers)

	hub.Unsubscribe(sub.ID)
	assert.Equal(t, 0, hub.Stats().Subscribers)
	assert.Equal(t, 0, hub.Stats().UniqueUsers)

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed")

	hub.Unsubscribe(sub.ID) // unknown ids are ignored
}

func TestHub_RoutesByUser(t *testing.T) {
	hub := NewHub(4, 0, nil)
	defer hub.Close()

	mine, err := hub.Subscribe("u1")
	require.NoError(t, err)
	other, err := hub.Subscribe("u2")
	require.NoError(t, err)
	all, err := hub.Subscribe("")
	require.NoError(t, err)

	hub.Publish(event(protocol.AlertTriggered, "u1"))

	select {
	case n := <-mine.C:
		assert.Equal(t, "a1", n.AlertID)
	default:
		t.Fatal("owner did not receive event")
	}
	select {
	case <-all.C:
	default:
		t.Fatal("catch-all subscriber did not receive event")
	}
	select {
	case <-other.C:
		t.Fatal("other user received event")
	default:
	}
}

func TestHub_DropsForSlowSubscribers(t *testing.T) {
	m := metrics.NewForTesting()
	hub := NewHub(1, 0, m)
	defer hub.Close()

	sub, err := hub.Subscribe("u1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Publish(event(protocol.AlertTriggered, "u1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	stats := hub.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(4), stats.Dropped)
	assert.Len(t, sub.C, 1)
}

func TestHub_MaxSubscribers(t *testing.T) {
	hub := NewHub(1, 1, nil)
	defer hub.Close()

	_, err := hub.Subscribe("u1")
	require.NoError(t, err)
	_, err = hub.Subscribe("u2")
	assert.ErrorIs(t, err, ErrMaxSubscribersReached)
}

func TestHub_CloseEndsStreams(t *testing.T) {
	hub := NewHub(1, 0, nil)
	sub, err := hub.Subscribe("u1")
	require.NoError(t, err)

	hub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = hub.Subscribe("u1")
	assert.ErrorIs(t, err, ErrHubClosed)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs [][]byte
	err  error
	gate chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, key string, value []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, value)
	return nil
}

func TestDispatcher_DeliversToHubAndTransport(t *testing.T) {
	hub := NewHub(4, 0, nil)
	defer hub.Close()
	sub, err := hub.Subscribe("u1")
	require.NoError(t, err)

	pub := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{Hub: hub, Transport: pub})

	d.Notify(context.Background(), event(protocol.AlertTriggered, "u1"))
	d.Close()

	assert.Len(t, sub.C, 1)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "u1", pub.keys[0])

	decoded, err := protocol.DecodeAlertNotification(pub.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.AlertTriggered, decoded.Type)
	assert.InDelta(t, 31.5, *decoded.Value, 1e-9)
}

func TestDispatcher_DoesNotBlockOnSlowTransport(t *testing.T) {
	pub := &recordingPublisher{gate: make(chan struct{})}
	d := NewDispatcher(DispatcherConfig{Transport: pub, BufferSize: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			d.Notify(context.Background(), event(protocol.AlertResolved, "u1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on the transport")
	}

	close(pub.gate)
	d.Close()
	assert.LessOrEqual(t, len(pub.msgs), 2)
	d.Notify(context.Background(), event(protocol.AlertResolved, "u1")) // after close: dropped
}

func TestDispatcher_WithoutTransport(t *testing.T) {
	hub := NewHub(1, 0, nil)
	defer hub.Close()
	d := NewDispatcher(DispatcherConfig{Hub: hub})
	d.Notify(context.Background(), event(protocol.AlertError, "u1"))
	d.Close()
}

func TestEmailNotifier_Render(t *testing.T) {
	e := NewEmailNotifier(&config.SMTPConfig{})

	subject, body, err := e.Render(event(protocol.AlertTriggered, "u1"))
	require.NoError(t, err)
	assert.Equal(t, "Weather alert TRIGGERED - Heat in London", subject)
	assert.Contains(t, body, "Location: London")
	assert.Contains(t, body, "Current Value: 31.5")
	assert.Contains(t, body, "temperature gt 30")

	errEvent := event(protocol.AlertError, "u1")
	errEvent.Error = "weather provider unavailable"
	_, body, err = e.Render(errEvent)
	require.NoError(t, err)
	assert.Contains(t, body, "weather provider unavailable")

	_, _, err = e.Render(&protocol.AlertNotification{Type: "digest"})
	assert.Error(t, err)
}

func TestEmailNotifier_Send(t *testing.T) {
	cfg := &config.SMTPConfig{
		Host: "smtp.example.com", Port: 587,
		Username: "user", Password: "secret",
		From: "alerts@example.com", To: "ops@example.com",
	}
	e := NewEmailNotifier(cfg)

	var gotAddr string
	var gotMsg []byte
	e.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "alerts@example.com", from)
		assert.Equal(t, []string{"ops@example.com"}, to)
		return nil
	}

	require.NoError(t, e.Send(context.Background(), event(protocol.AlertResolved, "u1")))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: Weather alert resolved - Heat in London\r\n")

	e.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 try later") }
	assert.Error(t, e.Send(context.Background(), event(protocol.AlertResolved, "u1")))
}

func TestEmailNotifier_SkipsWithoutCredentials(t *testing.T) {
	e := NewEmailNotifier(&config.SMTPConfig{})
	e.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	assert.NoError(t, e.Send(context.Background(), event(protocol.AlertTriggered, "u1")))
}

// fakeSource replays fixed messages, then blocks until cancelled
type fakeSource struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (s *fakeSource) Consume(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.messages) > 0 {
		msg := s.messages[0]
		s.messages = s.messages[1:]
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type flakySender struct {
	mu       sync.Mutex
	failures int
	sent     []string
	attempts int
}

func (s *flakySender) Send(_ context.Context, n *protocol.AlertNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, n.AlertID)
	return nil
}

func TestRelay_SendsThenCommits(t *testing.T) {
	good, err := protocol.EncodeAlertNotification(event(protocol.AlertTriggered, "u1"))
	require.NoError(t, err)

	source := &fakeSource{messages: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: good},
	}}
	sender := &flakySender{failures: 1}
	relay := NewRelay(source, sender, 3, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(source.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, source.commits())
	assert.Equal(t, []string{"a1", "a1"}, sender.sent)
	assert.Equal(t, 3, sender.attempts)
}

func TestRelay_GivesUpAfterMaxAttempts(t *testing.T) {
	good, err := protocol.EncodeAlertNotification(event(protocol.AlertResolved, "u1"))
	require.NoError(t, err)

	source := &fakeSource{messages: []kafka.Message{{Offset: 7, Value: good}}}
	sender := &flakySender{failures: 10}
	relay := NewRelay(source, sender, 2, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(source.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, sender.attempts)
}
