// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"sort"
	"sync"

	"github.com/katzenpost/fieldrelay/config"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/mesh"
	"github.com/katzenpost/fieldrelay/relay"
)

// Telemetry payload keys carrying a position.
const (
	LatitudeKey  = "latitude"
	LongitudeKey = "longitude"
	AltitudeKey  = "altitude"
)

// positionTable is the last known position of every agent, seeded from the
// configuration and refreshed by telemetry.
type positionTable struct {
	sync.RWMutex

	self      string
	positions map[string]mesh.Position
}

func (t *positionTable) Set(id string, p mesh.Position) {
	t.Lock()
	defer t.Unlock()
	t.positions[id] = p
}

func (t *positionTable) Self() mesh.Position {
	t.RLock()
	defer t.RUnlock()
	return t.positions[t.self]
}

// Agents returns the table as a mesh topology snapshot, ordered by
// identity so that route ties resolve the same way on every update.
func (t *positionTable) Agents() []mesh.Agent {
	t.RLock()
	defer t.RUnlock()

	agents := make([]mesh.Agent, 0, len(t.positions))
	for id, p := range t.positions {
		agents = append(agents, mesh.Agent{ID: id, Position: p})
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].ID < agents[j].ID
	})
	return agents
}

// UpdateFromTelemetry records the positions reported by a telemetry
// message or batch.
func (t *positionTable) UpdateFromTelemetry(e *envelope.Envelope) {
	items, ok := e.Payload[relay.BatchKey].([]any)
	if !ok {
		t.updateFromPayload(e.Origin, e.Payload)
		return
	}
	for _, v := range items {
		item, ok := v.(map[string]any)
		if !ok {
			continue
		}
		origin, _ := item["origin"].(string)
		payload, _ := item["payload"].(map[string]any)
		if origin != "" && payload != nil {
			t.updateFromPayload(origin, payload)
		}
	}
}

func (t *positionTable) updateFromPayload(origin string, payload map[string]any) {
	lat, ok1 := toFloat(payload[LatitudeKey])
	lon, ok2 := toFloat(payload[LongitudeKey])
	if !ok1 || !ok2 {
		return
	}
	alt, _ := toFloat(payload[AltitudeKey])
	t.Set(origin, mesh.Position{Latitude: lat, Longitude: lon, Altitude: alt})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func newPositionTable(cfg *config.Config) *positionTable {
	t := &positionTable{
		self:      cfg.Node.Identifier,
		positions: make(map[string]mesh.Position),
	}
	t.positions[t.self] = mesh.Position{
		Latitude:  cfg.Mesh.Latitude,
		Longitude: cfg.Mesh.Longitude,
		Altitude:  cfg.Mesh.Altitude,
	}
	for _, a := range cfg.Agents {
		t.positions[a.Identifier] = mesh.Position{
			Latitude:  a.Latitude,
			Longitude: a.Longitude,
			Altitude:  a.Altitude,
		}
	}
	return t
}
