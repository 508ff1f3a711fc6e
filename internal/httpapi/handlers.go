package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func (s *Server) registerAdminRoutes() {
	s.api.HandleFunc("/plugins", s.listPlugins).Methods(http.MethodGet)
	s.api.HandleFunc("/plugins/{name}", s.getPlugin).Methods(http.MethodGet)
	s.api.HandleFunc("/plugins/{name}", s.removePlugin).Methods(http.MethodDelete)
	s.api.HandleFunc("/plugins/{name}/enable", s.setEnabled(true)).Methods(http.MethodPost)
	s.api.HandleFunc("/plugins/{name}/disable", s.setEnabled(false)).Methods(http.MethodPost)
	s.api.HandleFunc("/plugins/{name}/config", s.configurePlugin).Methods(http.MethodPut)
	s.api.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	s.api.HandleFunc("/events/stream", s.streamEvents).Methods(http.MethodGet)
}

// listPlugins returns plugins in bootstrap order, followed by plugins
// outside the resolved order in registration order.
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	if s.opts.Plugins == nil {
		WriteJSON(w, http.StatusOK, []plugin.Info{})
		return
	}
	WriteJSON(w, http.StatusOK, orderInfos(s.opts.Plugins.Infos(), s.bootOrder()))
}

func orderInfos(infos []plugin.Info, order []plugin.Descriptor) []plugin.Info {
	if len(order) == 0 {
		return infos
	}
	byName := make(map[string]plugin.Info, len(infos))
	for _, info := range infos {
		byName[info.Descriptor.Name] = info
	}
	out := make([]plugin.Info, 0, len(infos))
	placed := make(map[string]bool, len(order))
	for _, d := range order {
		if info, ok := byName[d.Name]; ok {
			out = append(out, info)
			placed[d.Name] = true
		}
	}
	for _, info := range infos {
		if !placed[info.Descriptor.Name] {
			out = append(out, info)
		}
	}
	return out
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	info, err := s.opts.Plugins.Info(mux.Vars(r)["name"])
	if err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePlugins(w) {
			return
		}
		name := mux.Vars(r)["name"]
		before, err := s.opts.Plugins.Info(name)
		if err != nil {
			WriteError(w, statusFor(err), err)
			return
		}
		if err := s.setPluginEnabled(name, enabled); err != nil {
			WriteError(w, statusFor(err), err)
			return
		}
		if s.opts.States != nil {
			if err := s.opts.States.Save(r.Context(), name, enabled); err != nil {
				if rerr := s.setPluginEnabled(name, before.Enabled); rerr != nil {
					s.log.WithError(rerr).WithField("plugin", name).Error("reverting plugin state")
				}
				WriteError(w, http.StatusInternalServerError, fmt.Errorf("persist plugin state: %w", err))
				return
			}
		}
		info, err := s.opts.Plugins.Info(name)
		if err != nil {
			WriteError(w, statusFor(err), err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func (s *Server) setPluginEnabled(name string, enabled bool) error {
	if enabled {
		return s.opts.Plugins.Enable(name)
	}
	return s.opts.Plugins.Disable(name)
}

func (s *Server) configurePlugin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	name := mux.Vars(r)["name"]
	var overrides map[string]any
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid config body: %w", err))
		return
	}
	if err := s.opts.Plugins.Configure(name, overrides); err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	info, err := s.opts.Plugins.Info(name)
	if err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (s *Server) removePlugin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePlugins(w) {
		return
	}
	if err := s.opts.Plugins.Remove(mux.Vars(r)["name"]); err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}

	var out []events.Event
	switch {
	case q.Get("plugin") != "":
		out = s.opts.Events.RecentByPlugin(q.Get("plugin"), limit)
	case q.Get("type") != "":
		out = s.opts.Events.RecentByType(events.EventType(q.Get("type")), limit)
	default:
		out = s.opts.Events.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) requirePlugins(w http.ResponseWriter) bool {
	if s.opts.Plugins == nil {
		WriteError(w, http.StatusServiceUnavailable, errors.New("plugin registry unavailable"))
		return false
	}
	return true
}

// statusFor maps plugin errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case plugin.IsNotFound(err):
		return http.StatusNotFound
	case plugin.IsProtected(err):
		return http.StatusConflict
	case errors.Is(err, plugin.ErrInvalidDescriptor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes data as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes {"error": err} with status.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
