package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"roomivo-gateway/config"
)

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// validateBody bounds the body, checks it is a JSON object carrying every
// required field, then hands a rewound copy to the next handler.
func validateBody(fn config.FunctionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasBody(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, fn.MaxBodyBytes))
				if err != nil {
					var tooLarge *http.MaxBytesError
					if errors.As(err, &tooLarge) {
						writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
						return
					}
					writeError(w, http.StatusBadRequest, "Could not read request body")
					return
				}
				body = b
			}

			if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
				writeError(w, http.StatusBadRequest, "Request body must be a JSON object")
				return
			}
			for _, field := range fn.RequiredFields {
				if v := gjson.GetBytes(body, field); !v.Exists() || v.Type == gjson.Null {
					writeError(w, http.StatusBadRequest, "Missing required field: "+field)
					return
				}
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}
