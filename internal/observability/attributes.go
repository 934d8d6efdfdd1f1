package observability

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String("method", method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", path)
}

func statusAttr(status int) attribute.KeyValue {
	return attribute.String("status", strconv.Itoa(status))
}

func engineAttr(engine string) attribute.KeyValue {
	return attribute.String("engine", engine)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool("success", success)
}
