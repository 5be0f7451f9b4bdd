package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for pipeline spans and metrics. Task ids only ever go on
// spans; metric attributes stay low-cardinality (tool id, status, class).
var (
	AttrTaskID      = attribute.Key("task.id")
	AttrTaskOutcome = attribute.Key("task.outcome")
	AttrDestination = attribute.Key("task.destination")
	AttrPriority    = attribute.Key("task.priority")
	AttrAttempt     = attribute.Key("task.attempt")

	AttrToolID        = attribute.Key("tool.id")
	AttrStepIndex     = attribute.Key("step.index")
	AttrStepStatus    = attribute.Key("step.status")
	AttrResourceClass = attribute.Key("step.resource_class")

	AttrSemaphoreName = attribute.Key("semaphore.name")

	AttrAlertSeverity = attribute.Key("alert.severity")
)
