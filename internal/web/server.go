package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	appversion "github.com/openrally/gorally/internal/version"
)

// -------------------------------------------------------------------------
// Info Facet Handlers
// -------------------------------------------------------------------------

// Info is the /info response schema.
type Info struct {
	// Name is the server's configured display name.
	Name string `json:"name"`

	// Version is the server build version.
	Version string `json:"version"`

	// Map is the currently loaded map.
	Map string `json:"map"`

	// PlayerCount is the number of admitted players.
	PlayerCount int `json:"player_count"`

	// Players is the current roster.
	Players []playerInfo `json:"players"`
}

type playerInfo struct {
	Name       string `json:"name"`
	PlayerID   uint64 `json:"player_id"`
	AvatarHash string `json:"avatar_hash"`
}

// Handler serves the info facet. The returned handler speaks h2c so
// launchers and tooling can use HTTP/2 without TLS on the LAN.
func Handler(name, mapName string, status *Status, logger *slog.Logger) http.Handler {
	log := logger.With(slog.String("component", "web"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, _ *http.Request) {
		roster := status.Roster()
		players := make([]playerInfo, 0, len(roster))
		for _, p := range roster {
			players = append(players, playerInfo{
				Name:       p.Name,
				PlayerID:   p.PlayerID,
				AvatarHash: p.AvatarHash,
			})
		}

		writeJSON(w, log, Info{
			Name:        name,
			Version:     appversion.Version,
			Map:         mapName,
			PlayerCount: len(players),
			Players:     players,
		})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			log.Warn("write healthz response", slog.String("error", err.Error()))
		}
	})

	return h2c.NewHandler(mux, &http2.Server{})
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write json response", slog.String("error", err.Error()))
	}
}
