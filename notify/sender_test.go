package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errGone = errors.New("registration-token-not-registered")

type fakeMessenger struct {
	sendErr    error
	multiErrs  map[string]error
	multiErr   error
	sent       []*messaging.Message
	multicasts []*messaging.MulticastMessage
}

func (f *fakeMessenger) Send(ctx context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "projects/p/messages/1", nil
}

func (f *fakeMessenger) SendMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.multicasts = append(f.multicasts, m)
	if f.multiErr != nil {
		return nil, f.multiErr
	}
	resp := &messaging.BatchResponse{}
	for _, tok := range m.Tokens {
		if err, ok := f.multiErrs[tok]; ok {
			resp.FailureCount++
			resp.Responses = append(resp.Responses, &messaging.SendResponse{Error: err})
			continue
		}
		resp.SuccessCount++
		resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true, MessageID: "m-" + tok})
	}
	return resp, nil
}

type memTokens struct {
	tokens  map[string]bookdesk.DeliveryToken
	deleted []string
}

func newMemTokens(ts ...bookdesk.DeliveryToken) *memTokens {
	m := &memTokens{tokens: make(map[string]bookdesk.DeliveryToken)}
	for _, t := range ts {
		m.tokens[t.Email] = t
	}
	return m
}

func (m *memTokens) GetToken(ctx context.Context, email string) (*bookdesk.DeliveryToken, error) {
	t, ok := m.tokens[email]
	if !ok {
		return nil, bookdesk.ErrNotFound
	}
	return &t, nil
}

func (m *memTokens) GetTokens(ctx context.Context) ([]bookdesk.DeliveryToken, error) {
	var all []bookdesk.DeliveryToken
	for _, t := range m.tokens {
		all = append(all, t)
	}
	return all, nil
}

func (m *memTokens) DeleteToken(ctx context.Context, email string) error {
	delete(m.tokens, email)
	m.deleted = append(m.deleted, email)
	return nil
}

func withUnregistered(t *testing.T) {
	orig := isUnregistered
	isUnregistered = func(err error) bool {
		return errors.Is(err, errGone)
	}
	t.Cleanup(func() {
		isUnregistered = orig
	})
}

func TestSendToOneUser(t *testing.T) {
	msgr := &fakeMessenger{}
	tokens := newMemTokens(bookdesk.DeliveryToken{Email: "a@example.com", Token: "tok-a"})
	broker := events.NewBroker(1, testLogger())
	sub := broker.Subscribe("a@example.com")
	defer sub.Close()

	s := NewSender(msgr, tokens, broker, testLogger())
	rep, err := s.Send(context.Background(), Notification{Email: "A@example.com", Title: "New book", Body: "Dune was listed"})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, "projects/p/messages/1", rep.MessageID)
	require.Len(t, msgr.sent, 1)
	assert.Equal(t, "tok-a", msgr.sent[0].Token)
	assert.Equal(t, "New book", msgr.sent[0].Webpush.Notification.Title)

	select {
	case e := <-sub.C:
		assert.Equal(t, events.KindMessage, e.Kind)
		assert.Equal(t, "Dune was listed", e.Data.(Notification).Body)
	case <-time.After(time.Second):
		t.Fatal("delivery was not mirrored to the broker")
	}
}

func TestSendWithoutToken(t *testing.T) {
	s := NewSender(&fakeMessenger{}, newMemTokens(), nil, testLogger())
	_, err := s.Send(context.Background(), Notification{Email: "nobody@example.com", Title: "t", Body: "b"})
	assert.Equal(t, ErrNoToken, err)
}

func TestSendRemovesUnregisteredToken(t *testing.T) {
	withUnregistered(t)
	tokens := newMemTokens(bookdesk.DeliveryToken{Email: "a@example.com", Token: "tok-a"})
	s := NewSender(&fakeMessenger{sendErr: errGone}, tokens, nil, testLogger())

	rep, err := s.Send(context.Background(), Notification{Email: "a@example.com", Title: "t", Body: "b"})
	assert.Error(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, []string{"a@example.com"}, tokens.deleted)
}

func TestSendKeepsTokenOnOtherErrors(t *testing.T) {
	withUnregistered(t)
	tokens := newMemTokens(bookdesk.DeliveryToken{Email: "a@example.com", Token: "tok-a"})
	s := NewSender(&fakeMessenger{sendErr: errors.New("unavailable")}, tokens, nil, testLogger())

	rep, err := s.Send(context.Background(), Notification{Email: "a@example.com", Title: "t", Body: "b"})
	assert.Error(t, err)
	assert.Equal(t, 0, rep.Removed)
	assert.Empty(t, tokens.deleted)
}

func TestSendToEveryone(t *testing.T) {
	withUnregistered(t)
	tokens := newMemTokens(
		bookdesk.DeliveryToken{Email: "a@example.com", Token: "tok-a"},
		bookdesk.DeliveryToken{Email: "b@example.com", Token: "tok-b"},
		bookdesk.DeliveryToken{Email: "c@example.com", Token: "tok-c"},
	)
	msgr := &fakeMessenger{multiErrs: map[string]error{
		"tok-b": errGone,
		"tok-c": errors.New("quota"),
	}}
	s := NewSender(msgr, tokens, nil, testLogger())

	rep, err := s.Send(context.Background(), Notification{Title: "t", Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, []string{"b@example.com"}, tokens.deleted)
	assert.Len(t, msgr.multicasts, 1)
}

func TestSendToEveryoneBatches(t *testing.T) {
	var all []bookdesk.DeliveryToken
	for i := 0; i < multicastLimit+20; i++ {
		all = append(all, bookdesk.DeliveryToken{
			Email: fmt.Sprintf("u%d@example.com", i),
			Token: fmt.Sprintf("tok-%d", i),
		})
	}
	msgr := &fakeMessenger{}
	s := NewSender(msgr, newMemTokens(all...), nil, testLogger())

	rep, err := s.Send(context.Background(), Notification{Title: "t", Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, multicastLimit+20, rep.Sent)
	require.Len(t, msgr.multicasts, 2)
	assert.Len(t, msgr.multicasts[0].Tokens, multicastLimit)
	assert.Len(t, msgr.multicasts[1].Tokens, 20)
}

func TestHandleMessage(t *testing.T) {
	withUnregistered(t)
	valid, _ := json.Marshal(Notification{Email: "a@example.com", Title: "t", Body: "b"})
	unknown, _ := json.Marshal(Notification{Email: "x@example.com", Title: "t", Body: "b"})
	noBody, _ := json.Marshal(Notification{Email: "a@example.com", Title: "t"})

	tests := []struct {
		name    string
		data    []byte
		sendErr error
		retry   bool
	}{
		{"delivered", valid, nil, false},
		{"malformed", []byte("{not json"), nil, false},
		{"missing body", noBody, nil, false},
		{"no token", unknown, nil, false},
		{"unregistered", valid, errGone, false},
		{"transient", valid, errors.New("unavailable"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tokens := newMemTokens(bookdesk.DeliveryToken{Email: "a@example.com", Token: "tok-a"})
			s := NewSender(&fakeMessenger{sendErr: tc.sendErr}, tokens, nil, testLogger())

			err := s.HandleMessage(context.Background(), tc.data)
			if tc.retry {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
