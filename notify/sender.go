package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"firebase.google.com/go/messaging"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/events"
	"github.com/sirupsen/logrus"
)

// ErrNoToken means the recipient never registered a delivery token.
var ErrNoToken = errors.New("recipient has no delivery token")

// multicastLimit is the most tokens FCM accepts in one multicast call.
const multicastLimit = 500

var isUnregistered = messaging.IsRegistrationTokenNotRegistered

// Notification is a push message. An empty Email addresses every registered
// token.
type Notification struct {
	Email string            `json:"email,omitempty"`
	Title string            `json:"title" binding:"required"`
	Body  string            `json:"body" binding:"required"`
	Icon  string            `json:"icon,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Report summarizes a dispatch.
type Report struct {
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Removed   int    `json:"removed"`
	Queued    bool   `json:"queued"`
	MessageID string `json:"messageId,omitempty"`
}

// Dispatcher gets a notification on its way.
type Dispatcher interface {
	Dispatch(context.Context, Notification) (Report, error)
}

type messenger interface {
	Send(context.Context, *messaging.Message) (string, error)
	SendMulticast(context.Context, *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type tokenLookup interface {
	GetToken(context.Context, string) (*bookdesk.DeliveryToken, error)
	GetTokens(context.Context) ([]bookdesk.DeliveryToken, error)
	DeleteToken(context.Context, string) error
}

// Sender delivers notifications through FCM and mirrors each delivery to the
// broker so open sessions get it as a foreground message.
type Sender struct {
	client messenger
	tokens tokenLookup
	broker *events.Broker
	logger *logrus.Entry
}

// NewSender returns a sender. broker may be nil.
func NewSender(client messenger, tokens tokenLookup, broker *events.Broker, logger *logrus.Entry) *Sender {
	return &Sender{
		client: client,
		tokens: tokens,
		broker: broker,
		logger: logger,
	}
}

// Dispatch sends n right away.
func (s *Sender) Dispatch(ctx context.Context, n Notification) (Report, error) {
	return s.Send(ctx, n)
}

// Send delivers n to one user or, without an email, to every stored token.
func (s *Sender) Send(ctx context.Context, n Notification) (Report, error) {
	if n.Email != "" {
		return s.sendOne(ctx, n)
	}
	return s.sendAll(ctx, n)
}

func (s *Sender) sendOne(ctx context.Context, n Notification) (Report, error) {
	var rep Report
	email := bookdesk.NormalizeEmail(n.Email)

	t, err := s.tokens.GetToken(ctx, email)
	if err == bookdesk.ErrNotFound {
		return rep, ErrNoToken
	} else if err != nil {
		return rep, fmt.Errorf("could not load delivery token: %w", err)
	}

	msg := n.message()
	msg.Token = t.Token
	id, err := s.client.Send(ctx, msg)
	if err != nil {
		rep.Failed++
		sent.WithLabelValues("failed").Inc()
		if isUnregistered(err) {
			s.forget(ctx, email)
			rep.Removed++
		}
		return rep, fmt.Errorf("could not send notification: %w", err)
	}

	rep.Sent++
	rep.MessageID = id
	sent.WithLabelValues("sent").Inc()
	s.mirror(email, n)
	return rep, nil
}

func (s *Sender) sendAll(ctx context.Context, n Notification) (Report, error) {
	var rep Report

	all, err := s.tokens.GetTokens(ctx)
	if err != nil {
		return rep, fmt.Errorf("could not load delivery tokens: %w", err)
	}

	for start := 0; start < len(all); start += multicastLimit {
		end := start + multicastLimit
		if end > len(all) {
			end = len(all)
		}
		batch := all[start:end]

		base := n.message()
		mm := &messaging.MulticastMessage{
			Data:         base.Data,
			Notification: base.Notification,
			Webpush:      base.Webpush,
		}
		for _, t := range batch {
			mm.Tokens = append(mm.Tokens, t.Token)
		}

		resp, err := s.client.SendMulticast(ctx, mm)
		if err != nil {
			rep.Failed += len(batch)
			sent.WithLabelValues("failed").Add(float64(len(batch)))
			return rep, fmt.Errorf("could not send multicast: %w", err)
		}

		for i, r := range resp.Responses {
			if i >= len(batch) {
				break
			}
			email := batch[i].Email
			if r.Success {
				rep.Sent++
				sent.WithLabelValues("sent").Inc()
				s.mirror(email, n)
				continue
			}
			rep.Failed++
			sent.WithLabelValues("failed").Inc()
			if isUnregistered(r.Error) {
				s.forget(ctx, email)
				rep.Removed++
			} else {
				s.logger.WithFields(logrus.Fields{
					"email": email,
					"err":   r.Error,
				}).Warning("could not deliver notification")
			}
		}
	}

	return rep, nil
}

func (s *Sender) forget(ctx context.Context, email string) {
	s.logger.WithField("email", email).Info("removing unregistered delivery token")
	if err := s.tokens.DeleteToken(ctx, email); err != nil {
		s.logger.WithFields(logrus.Fields{
			"email": email,
			"err":   err,
		}).Error("could not remove delivery token")
	}
}

func (s *Sender) mirror(email string, n Notification) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.Event{
		Kind: events.KindMessage,
		Key:  email,
		Data: n,
	})
}

func (n Notification) message() *messaging.Message {
	return &messaging.Message{
		Data: n.Data,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: n.Title,
				Body:  n.Body,
				Icon:  n.Icon,
			},
		},
	}
}

// HandleMessage decodes a queued notification and sends it. Malformed
// payloads are logged and dropped; a returned error means the message should
// be redelivered.
func (s *Sender) HandleMessage(ctx context.Context, data []byte) error {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		s.logger.WithField("err", err).Error("failed to decode queued notification")
		return nil
	}
	if n.Title == "" || n.Body == "" {
		s.logger.WithField("email", n.Email).Error("queued notification without title or body")
		return nil
	}

	rep, err := s.Send(ctx, n)
	if err == ErrNoToken {
		s.logger.WithField("email", n.Email).Warning("dropping notification for user without token")
		return nil
	}
	if err != nil {
		if rep.Removed > 0 {
			return nil
		}
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"email":  n.Email,
		"sent":   rep.Sent,
		"failed": rep.Failed,
	}).Info("delivered queued notification")
	return nil
}
