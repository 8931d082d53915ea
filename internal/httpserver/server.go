package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"blast/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router that counts requests per route template.
func New() *Server {
	r := mux.NewRouter()
	r.Use(Metrics(observability.APIRequests))
	return &Server{Mux: r}
}

// Handler is the router wrapped with access logging.
func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}
