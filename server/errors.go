package server

import (
	"encoding/json"
	"errors"

	"github.com/notifykit/notify/queue"
)

// Ingress error taxonomy. Parse and validation are distinct: a payload that
// is not JSON at all is a parse-error; decodable JSON missing required keys
// is a validation-error.
var (
	ErrParse      = errors.New("payload not decodable")
	ErrValidation = errors.New("payload missing required keys")
)

// errorKind maps an ingress failure to its wire name.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrParse):
		return "parse-error"
	case errors.Is(err, ErrValidation):
		return "validation-error"
	case errors.Is(err, queue.ErrQueueFull):
		return "queue-full"
	default:
		return "error"
	}
}

// serializeError renders the error object sent back to TCP clients.
func serializeError(err error) []byte {
	obj := map[string]string{
		"kind":  errorKind(err),
		"error": err.Error(),
	}
	data, marshalErr := json.Marshal(obj)
	if marshalErr != nil {
		return []byte(`{"kind":"error","error":"internal"}`)
	}
	return data
}
