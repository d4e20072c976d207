package pricefeed

import (
	"encoding/json"
)

type JsonMarshaler struct{}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	case json.RawMessage:
		return d, nil
	default:
		return json.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	return json.Unmarshal(d, v)
}

func (j JsonMarshaler) String() string {
	return "json"
}

// decodePayload decodes body into a generic value. When the codec rejects the
// body the raw text is returned together with the decode error.
func decodePayload(codec Marshaler, body []byte) (any, error) {
	if codec == nil {
		return string(body), nil
	}
	var v any
	if err := codec.Unmarshal(body, &v); err != nil {
		return string(body), err
	}
	return v, nil
}
