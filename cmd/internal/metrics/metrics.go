// Package metrics exposes the Prometheus collectors of the realtime core.
// Collectors are registered on the default registry; app serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive is the number of live websocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "domus",
		Subsystem: "realtime",
		Name:      "connections_active",
		Help:      "Number of live websocket connections.",
	})

	// UsersPresent is the number of users with at least one live connection.
	UsersPresent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "domus",
		Subsystem: "realtime",
		Name:      "users_present",
		Help:      "Number of users with at least one live connection.",
	})

	// NotificationsCreated counts durable notification records created.
	NotificationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "domus",
		Subsystem: "notify",
		Name:      "notifications_created_total",
		Help:      "Durable notification records created.",
	})

	// NotificationsDelivered counts immediate deliveries to live handles.
	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "domus",
		Subsystem: "notify",
		Name:      "notifications_delivered_total",
		Help:      "Immediate notification deliveries to live connections.",
	})

	// NotificationsExpired counts records removed by the expiry sweep.
	NotificationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "domus",
		Subsystem: "notify",
		Name:      "notifications_expired_total",
		Help:      "Notification records removed by the expiry sweep.",
	})

	// VotesCast counts accepted vote submissions (including overwrites).
	VotesCast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "domus",
		Subsystem: "voting",
		Name:      "votes_cast_total",
		Help:      "Accepted vote submissions, resubmissions included.",
	})

	// VotesRejected counts vote submissions rejected at the window boundary.
	VotesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "domus",
		Subsystem: "voting",
		Name:      "votes_rejected_total",
		Help:      "Vote submissions rejected because voting was closed.",
	})

	// QuestionsClosed counts close transitions (each question exactly once).
	QuestionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "domus",
		Subsystem: "voting",
		Name:      "questions_closed_total",
		Help:      "Voting questions transitioned to closed.",
	})
)
