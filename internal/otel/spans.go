package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID    = attribute.Key("aichestrator.task.id")
	AttrSubtaskID = attribute.Key("aichestrator.subtask.id")
	AttrAgentID   = attribute.Key("aichestrator.agent.id")
	AttrAgentType = attribute.Key("aichestrator.agent.type")
	AttrModel     = attribute.Key("aichestrator.llm.model")
	AttrBatchSize = attribute.Key("aichestrator.batch.size")
	AttrAttempt   = attribute.Key("aichestrator.subtask.attempt")
	AttrRunID     = attribute.Key("aichestrator.run.id")
)
