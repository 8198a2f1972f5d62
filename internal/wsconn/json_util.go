package wsconn

import (
	"encoding/json"
	"io"
)

// jsonUnmarshalLenient decodes src into v, ignoring unknown fields — peer
// clients are expected to evolve the handshake payload over time.
func jsonUnmarshalLenient(src []byte, v any) error {
	return json.Unmarshal(src, v)
}

func jsonEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
