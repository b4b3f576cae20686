// Package response writes the JSON envelope shared by every HTTP endpoint.
package response

import (
	"encoding/json"
	"net/http"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func OK(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Response{Status: StatusSuccess, Message: message, Data: data})
}

func Error(w http.ResponseWriter, status int, message, code string) {
	write(w, status, Response{Status: StatusError, Message: message, ErrorCode: code})
}

func write(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
