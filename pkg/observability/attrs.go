package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attributes for kernel spans and metrics.
var (
	AttrIntentID  = attribute.Key("arbiter.intent.id")
	AttrActor     = attribute.Key("arbiter.intent.actor")
	AttrAction    = attribute.Key("arbiter.intent.action")
	AttrOutcome   = attribute.Key("arbiter.verdict.outcome")
	AttrRiskScore = attribute.Key("arbiter.verdict.risk_score")

	AttrConstitutionVersion = attribute.Key("arbiter.constitution.version")
	AttrCapsuleSequence     = attribute.Key("arbiter.capsule.sequence")
	AttrMode                = attribute.Key("arbiter.mode")
	AttrReasonCode          = attribute.Key("arbiter.reason_code")
	AttrWorkerID            = attribute.Key("arbiter.worker.id")
)
