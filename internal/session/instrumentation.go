package session

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/tiger/callsurface/internal/session"

var tracer = otel.Tracer(scopeName)
