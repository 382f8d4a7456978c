package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency    = metric.NewHistogram("1m1s")
	PacketInPerSecond  = metric.NewCounter("10s1s")
	FloodsPerSecond    = metric.NewCounter("10s1s")
	UnicastsPerSecond  = metric.NewCounter("10s1s")
	PathCacheHits      = metric.NewCounter("10s1s")
	PathCacheMisses    = metric.NewCounter("10s1s")
	RuleInstalls       = metric.NewCounter("10s1s")
	RuleRevocations    = metric.NewCounter("10s1s")
	PolicyEvaluations  = metric.NewCounter("10s1s")
	DroppedFrames      = metric.NewCounter("10s1s")
	SnapshotsPublished = metric.NewCounter("1m5s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("icsguard:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("icsguard:PacketIn/s", PacketInPerSecond)
	expvar.Publish("icsguard:Floods/s", FloodsPerSecond)
	expvar.Publish("icsguard:Unicasts/s", UnicastsPerSecond)
	expvar.Publish("icsguard:PathCacheHits/s", PathCacheHits)
	expvar.Publish("icsguard:PathCacheMisses/s", PathCacheMisses)
	expvar.Publish("icsguard:RuleInstalls/s", RuleInstalls)
	expvar.Publish("icsguard:RuleRevocations/s", RuleRevocations)
	expvar.Publish("icsguard:PolicyEvaluations/s", PolicyEvaluations)
	expvar.Publish("icsguard:DroppedFrames/s", DroppedFrames)
	expvar.Publish("icsguard:Snapshots", SnapshotsPublished)
}
