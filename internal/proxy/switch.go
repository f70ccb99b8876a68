package proxy

import (
	"net/http"
	"sync/atomic"
)

// Switch is an http.Handler whose target can be replaced while serving,
// used to swap in a rebuilt Table after the config file is reloaded.
type Switch struct {
	current atomic.Pointer[http.Handler]
}

// NewSwitch returns a Switch that initially serves h.
func NewSwitch(h http.Handler) *Switch {
	s := &Switch{}
	s.Store(h)
	return s
}

// Store replaces the active handler.
func (s *Switch) Store(h http.Handler) {
	s.current.Store(&h)
}

func (s *Switch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}
