package apierror

import (
	"encoding/json"
	"net/http"
)

// Error codes shared by deskrelay HTTP handlers.
const (
	CodeMethodNotAllowed = "method_not_allowed"
	CodeValidationFailed = "validation_failed"
	CodeUnknownCode      = "unknown_code"
	CodeInternal         = "internal_error"
)

type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Code: code, Message: message})
}

// MethodNotAllowed writes the standard 405 body.
func MethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}
