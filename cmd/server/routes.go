package main

import "net/http"

// newRouter dispatches on the exact request path. http.ServeMux is avoided
// because it redirects unclean paths before the static handler can reject
// them. A nil sessions handler leaves /sessions to the static handler.
func newRouter(gateway, sessions, files http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ws":
			gateway.ServeHTTP(w, r)
		case r.URL.Path == "/sessions" && sessions != nil:
			sessions.ServeHTTP(w, r)
		default:
			files.ServeHTTP(w, r)
		}
	})
}
