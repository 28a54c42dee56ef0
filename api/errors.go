package api

import (
	"fmt"
	"net/http"
)

const (
	msgInvalidForwardAuth = "Invalid forward-auth request"
	msgInvalidCallback    = "Invalid state or missing code. Please try again."
	msgInternal           = "Internal server error"
)

// writeText writes a plain text body. The reverse proxy relays non-2xx
// forward-auth responses to the browser as is.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, msg)
}
