package dispatch

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/voicestream/internal/dispatch"

var tracer = otel.Tracer(scopeName)
