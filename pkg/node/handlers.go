package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/mesh"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// MaxPublishBody bounds POST /publish bodies.
const MaxPublishBody = 60 << 10

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing the node and its view of the mesh.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int        `json:"pid"`
		Now        time.Time  `json:"now"`
		Self       Identity   `json:"self"`
		Connected  []Identity `json:"connected"`
		Known      []Identity `json:"known"`
		Subscribed []string   `json:"subscribed"`
		Stats      mesh.Stats `json:"stats"`
	}
	data, _ := json.Marshal(resp{
		PID:        os.Getpid(),
		Now:        time.Now(),
		Self:       n.self,
		Connected:  n.ConnectedNodes(),
		Known:      n.KnownNodes(),
		Subscribed: n.mesh.Subscribed(),
		Stats:      n.mesh.Stats(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Publish sends the request body on the channel named by the {channel} path value.
func (n *Node) Publish(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("channel")
	ch, err := n.mesh.GetChannel(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxPublishBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	if err := ch.Publish(body); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, wire.ErrMessageTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		n.log.Warn("publish failed", zap.String("channel", name), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
