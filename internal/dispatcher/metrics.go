package dispatcher

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrig_commands_total",
			Help: "Total number of commands sent to workers.",
		},
		[]string{"method"},
	)

	inflightCommands = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simrig_inflight_commands",
			Help: "Commands sent but not yet consumed by the worker.",
		},
		[]string{"worker"},
	)

	workerFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simrig_worker_faults_total",
			Help: "Total number of workers found dead by the controller.",
		},
	)

	workerReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simrig_worker_ready_seconds",
			Help:    "Duration from worker launch to the ready signal, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	answerWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simrig_answer_wait_seconds",
			Help:    "Time spent blocked waiting for a worker's answer, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(inflightCommands)
	prometheus.MustRegister(workerFaultsTotal)
	prometheus.MustRegister(workerReadyDuration)
	prometheus.MustRegister(answerWaitDuration)
}
