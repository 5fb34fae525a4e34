package telemetry

import (
	"github.com/arannis/tidysort/core"
	"go.opentelemetry.io/otel/attribute"
)

func breakerAttr(name string) attribute.KeyValue {
	return attribute.String("breaker", name)
}

func stateAttr(key string, state core.CircuitState) attribute.KeyValue {
	return attribute.String(key, string(state))
}

func nameAttr(name string) attribute.KeyValue {
	return attribute.String("name", name)
}
