// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"math"
	"time"
)

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// Position is a geographic position in degrees, with the altitude in
// meters.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Agent is a mesh participant and its current position.
type Agent struct {
	ID       string
	Position Position
}

// Distance returns the great-circle distance between a and b in meters.
// Altitude is ignored.
func Distance(a, b Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// LinkQuality returns the quality of a link of the given length, falling
// off linearly from 1 at zero distance to 0 at the radio range.  ok is
// false iff the peers are out of range.
func LinkQuality(distance, radioRange float64) (quality float64, ok bool) {
	if distance > radioRange || radioRange <= 0 {
		return 0, false
	}
	return 1 - distance/radioRange, true
}

// minQuality bounds link weights for peers at the very edge of range.
const minQuality = 1e-9

func linkWeight(quality float64) float64 {
	return 1 / math.Max(quality, minQuality)
}

// LatencyModel is the simulated per hop latency: Base plus Scale divided by
// the link quality.  The zero value adds no latency.
type LatencyModel struct {
	Base  time.Duration
	Scale time.Duration
}

// HopDelay returns the simulated latency of a hop over a link of the given
// quality.
func (m LatencyModel) HopDelay(quality float64) time.Duration {
	if m.Scale == 0 {
		return m.Base
	}
	return m.Base + time.Duration(float64(m.Scale)/math.Max(quality, minQuality))
}
