package adminapi

import (
	"errors"
	"net/http"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/route"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

func tunnelRouter(router *route.Router) http.Handler {
	r := chi.NewRouter()
	r.Get("/", listTunnels(router))
	r.Route("/{key}", func(r chi.Router) {
		r.Get("/", getTunnel(router))
		r.Delete("/", stopTunnel(router))
	})
	return r
}

type Tunnel struct {
	Key            string `json:"key"`
	Protocol       string `json:"protocol"`
	URL            string `json:"url"`
	Port           uint16 `json:"port,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	TunnelID       string `json:"tunnelId,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

func listTunnels(router *route.Router) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		tunnels := router.Tunnels()
		response := make([]Tunnel, 0, len(tunnels))
		for _, metadata := range tunnels {
			response = append(response, Tunnel{
				Key:            metadata.Key,
				Protocol:       metadata.Protocol,
				URL:            metadata.URL,
				Port:           metadata.Port,
				OrganizationID: metadata.OrganizationID,
				TunnelID:       metadata.TunnelID,
				CreatedAt:      metadata.CreatedAt.UnixMilli(),
			})
		}
		render.JSON(w, r, render.M{"tunnels": response})
	}
}

func getTunnel(router *route.Router) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		presence, err := router.Store().Presence(r.Context(), key)
		if err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, newError(err.Error()))
			return
		}
		if presence == nil {
			render.JSON(w, r, render.M{"key": key, "online": false})
			return
		}
		render.JSON(w, r, render.M{
			"key":            key,
			"online":         true,
			"protocol":       presence.Protocol,
			"port":           presence.Port,
			"organizationId": presence.OrganizationID,
			"since":          presence.Since.UnixMilli(),
		})
	}
}

func stopTunnel(router *route.Router) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		err := router.Stop(r.Context(), chi.URLParam(r, "key"))
		if errors.Is(err, C.ErrTunnelNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrNotFound)
			return
		}
		if err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, newError(err.Error()))
			return
		}
		render.NoContent(w, r)
	}
}
