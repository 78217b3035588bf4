package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodePayload decodes raw into the typed variant for kind. Unknown fields
// are rejected.
func DecodePayload(kind EventKind, raw []byte) (Payload, error) {
	switch kind {
	case KindMotion:
		return decodeStrict[MotionPayload](raw)
	case KindImage:
		return decodeStrict[ImagePayload](raw)
	case KindReading:
		return decodeStrict[ReadingPayload](raw)
	case KindVitals:
		return decodeStrict[VitalsPayload](raw)
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}

func decodeStrict[T Payload](raw []byte) (Payload, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
