package serializer

import (
	"fmt"
	"strings"
)

// IRPCSerializer encodes function arguments and results into frame bodies
type IRPCSerializer interface {
	// Serialize encodes v into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(v any) ([]byte, error)
	// Deserialize decodes b into the value v points to
	// It returns an error if b does not match the type of v
	Deserialize(b []byte, v any) error
	// Name returns the name used to select the serializer (see ByName)
	Name() string
}

// Names lists the names accepted by ByName
var Names = []string{"binary", "json", "gob", "msgpack"}

// ByName returns the serializer with the given name
func ByName(name string) (IRPCSerializer, error) {
	switch strings.ToLower(name) {
	case "binary":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "msgpack", "msgp":
		return NewMsgpackSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q, must be one of %s", name, strings.Join(Names, ", "))
	}
}
