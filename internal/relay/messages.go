package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
)

// DeviceEntry is one element of the retained device list.
type DeviceEntry struct {
	Key            string `json:"key"`
	Mac            string `json:"mac"`
	InstallationID string `json:"installation_id"`
	Name           string `json:"name"`
}

// Ack answers a command on dkn/ack/{mac}.
type Ack struct {
	ID        string    `json:"id"`
	Mac       string    `json:"mac"`
	Applied   bool      `json:"applied"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newAck(id, mac string, err error) Ack {
	ack := Ack{
		ID:        id,
		Mac:       mac,
		Applied:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}

// decodeCommand parses a command payload. A command without an id gets a
// fresh one so the ack can always be correlated.
func decodeCommand(payload []byte) (cloud.Command, error) {
	var cmd cloud.Command
	err := json.Unmarshal(payload, &cmd)
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err != nil {
		return cmd, fmt.Errorf("%w: %w", cloud.ErrInvalidCommand, err)
	}
	return cmd, nil
}

func deviceList(twins []*cloud.Twin) []DeviceEntry {
	out := make([]DeviceEntry, 0, len(twins))
	for _, t := range twins {
		out = append(out, DeviceEntry{
			Key:            t.Key(),
			Mac:            t.Mac(),
			InstallationID: t.InstallationID(),
			Name:           t.Name(),
		})
	}
	return out
}
