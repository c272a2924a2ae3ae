package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// Dashboard payloads are plain JSON documents, so the protobuf encoding
// is the well-known google.protobuf.Value of the same document.

func toProto(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// ── Rates ────────────────────────────────────────────────────────────────────

func ratesFromProto(p *structpb.Struct) (types.Rates, error) {
	raw, err := json.Marshal(p.AsMap())
	if err != nil {
		return types.Rates{}, err
	}
	return decodeRates(raw)
}

func decodeRates(raw []byte) (types.Rates, error) {
	var r types.Rates
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return types.Rates{}, fmt.Errorf("decode rates: %w", err)
	}
	return r, nil
}

// respond writes v as protobuf when the client accepts it, JSON otherwise.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	msg, err := toProto(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "response encoding failed")
		return
	}
	writeProto(w, status, msg)
}
