package rpc

import "github.com/prometheus/client_golang/prometheus"

var (
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tabkv_client",
			Subsystem: "rpc",
			Name:      "handle_rpc_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of successful tablet rpcs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"method"})

	rpcFailedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tabkv_client",
			Subsystem: "rpc",
			Name:      "handle_failed_rpc_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of failed tablet rpcs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"method"})

	followerRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tabkv_client",
			Subsystem: "rpc",
			Name:      "follower_rejections_total",
			Help:      "Counter of replies from replicas that were not the leader.",
		})

	topologyRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tabkv_client",
			Subsystem: "rpc",
			Name:      "topology_refreshes_total",
			Help:      "Counter of tablet location cache refreshes triggered by invocations.",
		})
)

func init() {
	prometheus.MustRegister(rpcDuration)
	prometheus.MustRegister(rpcFailedDuration)
	prometheus.MustRegister(followerRejections)
	prometheus.MustRegister(topologyRefreshes)
}
