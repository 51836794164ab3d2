package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine semantic convention attributes.
var (
	AttrPlanID      = attribute.Key("safeact.plan.id")
	AttrPlanMode    = attribute.Key("safeact.plan.approval_mode")
	AttrEventID     = attribute.Key("safeact.event.id")
	AttrActionID    = attribute.Key("safeact.action.id")
	AttrActionType  = attribute.Key("safeact.action.type")
	AttrSubstitute  = attribute.Key("safeact.action.substitute")
	AttrPhase       = attribute.Key("safeact.phase")
	AttrLevel       = attribute.Key("safeact.level")
	AttrActionCount = attribute.Key("safeact.plan.actions")
	AttrOperation   = attribute.Key("safeact.operation")
	AttrErrorType   = attribute.Key("error.type")
	AttrComplete    = attribute.Key("safeact.rollback.complete")
	AttrHoldKind    = attribute.Key("safeact.hold.kind")
)

// PlanOperation creates attributes for plan-level operations.
func PlanOperation(planID, eventID string, actions int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrEventID.String(eventID),
		AttrActionCount.Int(actions),
	}
}

// ActionOperation creates attributes for a single action.
func ActionOperation(planID, actionID, actionType, phase string, level int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrActionID.String(actionID),
		AttrActionType.String(actionType),
		AttrPhase.String(phase),
		AttrLevel.Int(level),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
