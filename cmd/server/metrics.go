package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookdesk_requests",
		Help: "The number of handled requests per session state",
	}, []string{"session", "status"})
	authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookdesk_auth_attempts",
		Help: "The outcome of sign-up and sign-in attempts",
	}, []string{"method", "result"})
	listingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookdesk_listings_created",
		Help: "The total number of created listings",
	})
)

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
