package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxRequestBodyBytes bounds every JSON body read from untrusted callers.
const MaxRequestBodyBytes = 1 << 20

// MustMarshalJSON encodes values that cannot fail to marshal (plain structs and maps).
// It panics otherwise.
func MustMarshalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("failed to marshal JSON: " + err.Error())
	}
	return data
}

// WriteJSONResponse writes a JSON response with the given status code
// Sets Content-Type header and handles JSON encoding
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// ReadBody reads at most MaxRequestBodyBytes from r and errors if the body is larger.
func ReadBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxRequestBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxRequestBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxRequestBodyBytes)
	}
	return body, nil
}

// DecodeJSONBody reads and decodes a bounded JSON request body into v.
func DecodeJSONBody(r *http.Request, v interface{}) error {
	body, err := ReadBody(r.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
