// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"fmt"
	"time"
)

// Kind is the type of a message.
type Kind uint8

const (
	// Command is a generic command from the command center.
	Command Kind = iota
	// CommandAssign assigns a task to an agent.
	CommandAssign
	// CommandAbort aborts an agent's current task.
	CommandAbort
	// Retask changes an agent's current task.
	Retask
	// Telemetry is periodic agent state.
	Telemetry
	// Detection is a detection report from an agent.
	Detection
	// Status is an agent or node status report.
	Status
	// Heartbeat is a liveness probe, and the kind used for acknowledgments.
	Heartbeat
	// Data is an opaque data transfer.
	Data
	// Log is a log upload.
	Log
	// Image is an image upload.
	Image
	// VideoStream is a video segment upload.
	VideoStream

	kindMax = VideoStream
)

// Kinds returns every Kind.
func Kinds() []Kind {
	out := make([]Kind, 0, int(kindMax)+1)
	for k := Command; k <= kindMax; k++ {
		out = append(out, k)
	}
	return out
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case CommandAssign:
		return "command_assign"
	case CommandAbort:
		return "command_abort"
	case Retask:
		return "retask"
	case Telemetry:
		return "telemetry"
	case Detection:
		return "detection"
	case Status:
		return "status"
	case Heartbeat:
		return "heartbeat"
	case Data:
		return "data"
	case Log:
		return "log"
	case Image:
		return "image"
	case VideoStream:
		return "video_stream"
	default:
		return fmt.Sprintf("[unknown kind: %d]", uint8(k))
	}
}

// ParseKind converts a wire name to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrMalformed, s)
}

// RequiresAck returns true iff messages of this kind must be acknowledged
// by the recipient.
func (k Kind) RequiresAck() bool {
	switch k {
	case CommandAssign, CommandAbort, Retask, Detection:
		return true
	case Command, Telemetry, Status, Heartbeat, Data, Log, Image, VideoStream:
		return false
	default:
		panic(fmt.Sprintf("BUG: envelope: RequiresAck on invalid kind %d", uint8(k)))
	}
}

// Compressible returns true iff large payloads of this kind are compressed
// on the wire.
func (k Kind) Compressible() bool {
	switch k {
	case Log, Image, VideoStream:
		return true
	case Command, CommandAssign, CommandAbort, Retask, Telemetry, Detection, Status, Heartbeat, Data:
		return false
	default:
		panic(fmt.Sprintf("BUG: envelope: Compressible on invalid kind %d", uint8(k)))
	}
}

// Priority is a message priority.  Lower values are more urgent.
type Priority uint8

const (
	Critical Priority = iota
	High
	Medium
	Low
)

// String returns the name of the priority.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("[unknown priority: %d]", uint8(p))
	}
}

// Valid returns true iff p is a defined priority.
func (p Priority) Valid() bool {
	return p <= Low
}

// DefaultTTL returns the time-to-live assigned to new messages of the
// priority class.
func (p Priority) DefaultTTL() time.Duration {
	switch p {
	case Critical:
		return time.Minute
	case High:
		return 5 * time.Minute
	case Medium:
		return 15 * time.Minute
	case Low:
		return time.Hour
	default:
		panic(fmt.Sprintf("BUG: envelope: DefaultTTL on invalid priority %d", uint8(p)))
	}
}
