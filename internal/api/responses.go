package api

import (
	"encoding/json"
	"net/http"
)

// APIResponse 查询接口统一的 JSON 响应信封。SSE 端点不走这里。
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeResponse(w, status, &APIResponse{Code: status, Message: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, &APIResponse{Code: status, Message: message})
}

func writeResponse(w http.ResponseWriter, status int, resp *APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
