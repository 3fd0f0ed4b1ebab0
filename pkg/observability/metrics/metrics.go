package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	RoundsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Name:      "rounds_started_total",
		Help:      "Total consensus rounds entered by this node",
	})

	RoundsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Name:      "rounds_committed_total",
		Help:      "Total consensus rounds committed by this node",
	})

	RoundsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Name:      "rounds_abandoned_total",
		Help:      "Total rounds abandoned on timeout or supersede",
	})

	CurrentTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_quorum",
		Name:      "current_term",
		Help:      "Highest term observed by this node",
	})

	CurrentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_quorum",
		Name:      "current_round",
		Help:      "Current consensus round of this node",
	})

	VotesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Name:      "votes_received_total",
		Help:      "Votes received, labelled by outcome",
	}, []string{"accept"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "Messages handed to the transport, labelled by kind",
	}, []string{"kind"})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "Messages delivered by the transport, labelled by kind",
	}, []string{"kind"})

	NonPeerRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Subsystem: "transport",
		Name:      "non_peer_rejects_total",
		Help:      "Sends rejected at the API boundary for non-adjacent targets",
	})

	PeersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_quorum",
		Name:      "peers_live",
		Help:      "Configured neighbors currently passing the liveness handshake",
	})

	CollectorAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_quorum",
		Subsystem: "collector",
		Name:      "attempts_total",
		Help:      "Collector delivery attempts, labelled by result",
	}, []string{"result"})

	CollectorDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_quorum",
		Subsystem: "collector",
		Name:      "degraded",
		Help:      "1 while operating in local-log-only degraded mode, else 0",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(RoundsStarted)
		prometheus.MustRegister(RoundsCommitted)
		prometheus.MustRegister(RoundsAbandoned)
		prometheus.MustRegister(CurrentTerm)
		prometheus.MustRegister(CurrentRound)
		prometheus.MustRegister(VotesReceived)
		prometheus.MustRegister(MessagesSent)
		prometheus.MustRegister(MessagesReceived)
		prometheus.MustRegister(NonPeerRejects)
		prometheus.MustRegister(PeersLive)
		prometheus.MustRegister(CollectorAttempts)
		prometheus.MustRegister(CollectorDegraded)
	})
}
