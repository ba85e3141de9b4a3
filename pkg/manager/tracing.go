package manager

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "nextstep.runtime"

const (
	spanIngest   = "nextstep.ingest"
	spanUpdate   = "nextstep.update"
	spanSnapshot = "nextstep.snapshot"
)

func runtimeTracer() trace.Tracer {
	return otel.Tracer(runtimeTracerName)
}
