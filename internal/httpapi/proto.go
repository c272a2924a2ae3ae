package httpapi

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
)

// maxRequestBody caps request bodies on the dashboard API. The largest
// dashboard write (settings/rates) is well under 1 KiB.
const maxRequestBody = 4096

const protobufType = "application/x-protobuf"

func isProtobufType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == protobufType || mt == "application/protobuf" || mt == "application/octet-stream"
}

// isProtobuf returns true if the request body is a protobuf payload.
func isProtobuf(r *http.Request) bool {
	return isProtobufType(r.Header.Get("Content-Type"))
}

// wantsProtobuf returns true if the client asked for a protobuf response.
func wantsProtobuf(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if isProtobufType(strings.TrimSpace(part)) {
			return true
		}
	}
	return false
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		// Fall back to a plain-text error if marshalling fails.
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
