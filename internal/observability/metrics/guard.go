package metrics

import (
	"time"

	obserrors "github.com/assetlens/portal/internal/observability/errors"
	"github.com/assetlens/portal/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDefault = "default"
)

// Guard names for the guard tag.
const (
	GuardEdge   = "edge"
	GuardClient = "client"
)

// DecisionMetric captures one guard evaluation.
type DecisionMetric struct {
	Guard      string
	Outcome    string
	Reason     string
	RouteClass string
	Duration   time.Duration
}

// EmitGuardDecision emits guard.decision and guard.duration.
func EmitGuardDecision(sink statsd.Sink, in DecisionMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"guard":   in.Guard,
		"outcome": in.Outcome,
		"reason":  in.Reason,
		"route":   in.RouteClass,
	}
	sink.Count("guard.decision", 1, tags)

	if in.Duration > 0 {
		sink.Timing("guard.duration", in.Duration, CloneTags(tags))
	}
}

// EmitLoopDetected counts a frozen redirect.
func EmitLoopDetected(sink statsd.Sink, guard string, count int) {
	if sink == nil {
		return
	}
	sink.Count("guard.loop_detected", 1, map[string]string{"guard": guard})
	sink.Gauge("guard.redirect_count", float64(count), map[string]string{"guard": guard})
}

// ResolverMetric captures one session resolution.
type ResolverMetric struct {
	Source   string
	Failure  string
	Duration time.Duration
	Err      error
}

// EmitResolution emits resolver.lookup and, for failed lookups, resolver.failure.
func EmitResolution(sink statsd.Sink, in ResolverMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"source": in.Source}
	if in.Duration > 0 {
		sink.Timing("resolver.lookup", in.Duration, CloneTags(tags))
	}
	if in.Failure == "" {
		return
	}
	tags["failure"] = in.Failure
	if class := obserrors.Classify(in.Err); class != "" {
		tags["error_class"] = class
	}
	sink.Count("resolver.failure", 1, tags)
}

// EmitRateLimited counts a rejected API request.
func EmitRateLimited(sink statsd.Sink, backend string) {
	if sink == nil {
		return
	}
	sink.Count("ratelimit.rejected", 1, map[string]string{"backend": backend})
}

// EmitAccessLookup counts access decisions by where they came from.
func EmitAccessLookup(sink statsd.Sink, source, result string, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"source": source, "result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count("access.lookup", 1, tags)
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
