package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/policyengine/calcd/internal/service"
)

// statusByCode maps service error codes to HTTP statuses. Unlisted codes
// are internal errors.
var statusByCode = map[string]int{
	"INVALID_ARGUMENT": http.StatusBadRequest,
	"NOT_FOUND":        http.StatusNotFound,
	"CONFLICT":         http.StatusConflict,
	"UNAVAILABLE":      http.StatusServiceUnavailable,
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
		(&requestBodyTooLargeError{Limit: limit}).Error())
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeServiceError writes err as an error envelope. Internal failures are
// logged with their cause, which is never sent to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if !errors.As(err, &svcErr) {
		if err != nil {
			log.Printf("[api] unexpected error: %v", err)
		}
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	status, known := statusByCode[svcErr.Code]
	if !known {
		status = http.StatusInternalServerError
		if svcErr.Err != nil {
			log.Printf("[api] %s: %v", svcErr.Message, svcErr.Err)
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", fmt.Sprint(retryAfterSeconds))
	}
	WriteError(w, status, svcErr.Code, svcErr.Message)
}

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = 5
