package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// NewJSONSerializer creates a new serializer using json encoding.
//
// Numbers decoded into an interface keep their text as json.Number, so int64
// values beyond 2^53 survive a round trip through any.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (j jsonSerializerImpl) Deserialize(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after %T", v)
	}
	return nil
}

func (j jsonSerializerImpl) Name() string {
	return "json"
}
