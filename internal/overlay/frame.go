package overlay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame kinds written to subscribers besides the alert kinds themselves.
const (
	KindQueue  = "queue"
	KindAlert  = "alert" // replayed alert
	KindReplay = "replay"
)

const separator = "::"

// EncodeFrame renders "<kind>::<json>".
func EncodeFrame(kind string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", kind, err)
	}
	return append([]byte(kind+separator), payload...), nil
}

// DecodeFrame splits a frame into kind and payload. A bare word with no
// separator is a kind with an empty payload.
func DecodeFrame(frame []byte) (kind string, payload []byte) {
	k, p, _ := strings.Cut(string(frame), separator)
	return strings.TrimSpace(k), []byte(p)
}
