package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookdesk_token_registrations",
		Help: "The outcome of notification registrations",
	}, []string{"outcome"})
	sent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookdesk_notifications",
		Help: "The number of push notifications handed to FCM",
	}, []string{"result"})
	queued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookdesk_notifications_queued",
		Help: "The number of notifications published to pubsub",
	}, []string{"result"})
)
