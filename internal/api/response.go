//
//
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// WriteSuccess writes a 200 envelope around data.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeResponse(w, http.StatusOK, &Response{Result: "ok", Data: data})
}

// WriteAccepted writes a 202 envelope around data.
func WriteAccepted(w http.ResponseWriter, data interface{}) {
	writeResponse(w, http.StatusAccepted, &Response{Result: "ok", Data: data})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details interface{}) {
	writeResponse(w, statusCode, &Response{
		Result:  "error",
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeResponse stamps the request's correlation id on response and writes
// it. Handlers reached without accessLog get a fresh id.
func writeResponse(w http.ResponseWriter, statusCode int, response *Response) {
	response.CorrelationID = w.Header().Get(CorrelationHeader)
	if response.CorrelationID == "" {
		response.CorrelationID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Headers are gone; all that is left is to record it.
		log.Error().Err(err).Str("correlation_id", response.CorrelationID).Msg("failed to encode response")
	}
}
