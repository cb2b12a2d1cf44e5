package codec

import (
	"bytes"
	"encoding/json"

	"atom-rpc/message"

	"github.com/cockroachdb/errors"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
type JSONCodec struct {
	metrics *metrics
}

var _ Codec = (*JSONCodec)(nil)

func NewJSONCodec(opts ...Option) *JSONCodec {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &JSONCodec{metrics: newMetrics(o.registerer)}
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}

func (c *JSONCodec) Serialize(body *message.Body) ([]byte, error) {
	if body == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "serialize: nil body")
	}
	b, err := json.Marshal(body)
	if err != nil {
		c.metrics.failed(TypeJSON, opSerialize)
		return nil, protocolError(TypeJSON, opSerialize, err)
	}
	return b, nil
}

// Deserialize decodes the first JSON value in data[off:]; trailing bytes are ignored.
func (c *JSONCodec) Deserialize(data []byte, off int) (*message.Body, error) {
	if data == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "deserialize: nil data")
	}
	if err := checkOffset(data, off); err != nil {
		c.metrics.failed(TypeJSON, opDeserialize)
		return nil, protocolError(TypeJSON, opDeserialize, err)
	}
	body := &message.Body{}
	if err := json.NewDecoder(bytes.NewReader(data[off:])).Decode(body); err != nil {
		c.metrics.failed(TypeJSON, opDeserialize)
		return nil, protocolError(TypeJSON, opDeserialize, err)
	}
	return body, nil
}
