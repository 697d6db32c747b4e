package orchestrator

import "go.opentelemetry.io/otel"

const scopeName = "github.com/tiger/callsurface/internal/orchestrator"

var tracer = otel.Tracer(scopeName)
