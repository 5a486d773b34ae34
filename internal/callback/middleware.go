package callback

import (
	"net/http"

	"github.com/go-chi/httplog/v3"
)

// instrument wraps the callback handler with request logging tagged with the
// attempt id. Headers and bodies are never logged.
//
// A panic in next fails the browser request with 500 but leaves the attempt
// open: WaitForCode keeps waiting for a valid redirect until it times out.
func (s *Server) instrument(next http.Handler) http.Handler {
	logged := httplog.RequestLogger(s.logger, &httplog.Options{
		Schema:             httplog.SchemaECS.Concise(true),
		LogRequestHeaders:  []string{},
		LogResponseHeaders: []string{},
		// Panics are recovered inside the logger so the 500 is still logged.
		RecoverPanics: false,
	})

	return logged(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				http.Error(w, "Callback handling failed", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	}))
}
