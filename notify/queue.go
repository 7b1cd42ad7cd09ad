package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

// Queue hands notifications to a Pub/Sub topic for the notifier worker.
type Queue struct {
	topic *pubsub.Topic
}

// NewQueue returns a queue publishing to topicName, creating the topic if it
// doesn't exist.
func NewQueue(ctx context.Context, client *pubsub.Client, topicName string) (*Queue, error) {
	topic, err := ensureTopic(ctx, client, topicName)
	if err != nil {
		return nil, err
	}
	return &Queue{topic: topic}, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, name string) (*pubsub.Topic, error) {
	topic := client.Topic(name)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not check topic %s: %w", name, err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("could not create topic %s: %w", name, err)
		}
	}
	return topic, nil
}

// Dispatch publishes n and waits for the server to accept it.
func (q *Queue) Dispatch(ctx context.Context, n Notification) (Report, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return Report{}, err
	}

	id, err := q.topic.Publish(ctx, &pubsub.Message{
		Data: raw,
		Attributes: map[string]string{
			"kind": "notification",
		},
	}).Get(ctx)
	if err != nil {
		queued.WithLabelValues("failed").Inc()
		return Report{}, fmt.Errorf("could not publish notification: %w", err)
	}

	queued.WithLabelValues("published").Inc()
	return Report{Queued: true, MessageID: id}, nil
}

// Stop flushes pending publishes.
func (q *Queue) Stop() {
	q.topic.Stop()
}

type messageHandler interface {
	HandleMessage(context.Context, []byte) error
}

// Consume receives queued notifications from subscription subName (created
// on topicName if missing) until ctx is done.
func Consume(ctx context.Context, client *pubsub.Client, topicName, subName string, h messageHandler, logger *logrus.Entry) error {
	topic, err := ensureTopic(ctx, client, topicName)
	if err != nil {
		return err
	}

	sub := client.Subscription(subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("could not check subscription %s: %w", subName, err)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic: topic,
		})
		if err != nil {
			return fmt.Errorf("could not create subscription %s: %w", subName, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"topic":        topicName,
		"subscription": subName,
	}).Info("waiting for queued notifications")

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := h.HandleMessage(ctx, msg.Data); err != nil {
			logger.WithFields(logrus.Fields{
				"id":  msg.ID,
				"err": err,
			}).Error("notification delivery failed, will retry")
			msg.Nack()
			return
		}
		msg.Ack()
	})
}
