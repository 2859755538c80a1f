package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes.
const (
	outcomeRefreshed = "refreshed"
	outcomeNoToken   = "no_refresh_token"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

var (
	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgeaid_token_refresh_total",
			Help: "Access token refresh attempts triggered by a 401, by outcome",
		},
		[]string{"outcome"},
	)

	dispatchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgeaid_dispatch_retries_total",
			Help: "Requests re-sent once after a successful token refresh",
		},
	)
)
