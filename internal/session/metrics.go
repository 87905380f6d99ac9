package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summit_session_refresh_total",
			Help: "Physical session refresh calls by result.",
		},
		[]string{"result"},
	)

	loginTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summit_session_login_total",
			Help: "Login exchanges by result.",
		},
		[]string{"result"},
	)

	forcedLogoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "summit_session_forced_logout_total",
			Help: "Sessions cleared because a refresh failed.",
		},
	)
)

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
