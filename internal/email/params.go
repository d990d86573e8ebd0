package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ControlChannelName is the reserved attachment filename (or media type)
// whose body carries JSON-encoded Params instead of user content.
const ControlChannelName = "pepipostapi/request-body-parameter"

// Params holds provider extension parameters keyed by payload field.
type Params map[string]any

// EncodeParams renders p as compact JSON text. Decoding the result yields
// an equal Params only for values already in decoded form: Go numbers such
// as int or float64 come back as json.Number.
func EncodeParams(p Params) (string, error) {
	if p == nil {
		p = Params{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	return string(data), nil
}

// DecodeParams parses JSON text into Params. Malformed input and any JSON
// value that is not an object yield an empty, non-nil Params.
// Numbers are kept as json.Number so large template ids survive intact.
func DecodeParams(text string) Params {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return Params{}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Params{}
	}
	return Params(obj)
}

// DecodeParamsBytes is DecodeParams for raw attachment content.
func DecodeParamsBytes(data []byte) Params {
	return DecodeParams(string(bytes.TrimSpace(data)))
}

// IsControlChannel reports whether an attachment name or media type marks
// the params control channel.
func IsControlChannel(filename, contentType string) bool {
	return filename == ControlChannelName || strings.EqualFold(contentType, ControlChannelName)
}
