package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Apply pipeline attributes
	ApplyVideoKey   = "tubesync.video"
	ApplySidecarKey = "tubesync.sidecar"
	ApplyStatusKey  = "tubesync.status"
	ApplyAppliedKey = "tubesync.applied"
	ApplyModeKey    = "tubesync.mode"

	// Server API attributes
	APIOperationKey = "api.operation"
	APIServerIDKey  = "api.server_id"
	APILibraryKey   = "api.library_id"

	// Repair sweep attributes
	RepairCandidatesKey = "repair.candidates"
	RepairResolvedKey   = "repair.resolved"
	RepairRemovedKey    = "repair.removed"

	// Walk attributes
	WalkRootsKey    = "walk.roots"
	WalkVideosKey   = "walk.videos"
	WalkSidecarsKey = "walk.sidecars"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ApplyAttributes creates the span attributes for one apply run.
func ApplyAttributes(video, status string, applied bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ApplyVideoKey, video),
		attribute.String(ApplyStatusKey, status),
		attribute.Bool(ApplyAppliedKey, applied),
	}
}

// APIAttributes creates server-API span attributes.
func APIAttributes(operation, serverID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if operation != "" {
		attrs = append(attrs, attribute.String(APIOperationKey, operation))
	}
	if serverID != "" {
		attrs = append(attrs, attribute.String(APIServerIDKey, serverID))
	}
	return attrs
}

// RepairAttributes creates repair-sweep span attributes.
func RepairAttributes(candidates, resolved, removed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(RepairCandidatesKey, candidates),
		attribute.Int(RepairResolvedKey, resolved),
		attribute.Int(RepairRemovedKey, removed),
	}
}

// WalkAttributes creates library-walk span attributes.
func WalkAttributes(roots, videos, sidecars int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(WalkRootsKey, roots),
		attribute.Int(WalkVideosKey, videos),
		attribute.Int(WalkSidecarsKey, sidecars),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
