package ota

import (
	"fmt"
	"strings"
)

// State is the orchestrator state.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateReady
	StateUpdatingSecondary
	StateUpdatingFirmware
	StateRebooting
	StateError
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateChecking:          "checking",
	StateReady:             "ready",
	StateUpdatingSecondary: "updating_spiffs",
	StateUpdatingFirmware:  "updating_firmware",
	StateRebooting:         "rebooting",
	StateError:             "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Updating reports whether an update run owns the device.
func (s State) Updating() bool {
	return s == StateUpdatingSecondary || s == StateUpdatingFirmware || s == StateRebooting
}

// Busy reports whether a new check or update must be refused.
func (s State) Busy() bool { return s == StateChecking || s.Updating() }

// Target selects which images an update writes.
type Target int

const (
	TargetNone Target = iota
	TargetFirmware
	TargetSecondary
	TargetBoth
)

func (t Target) String() string {
	switch t {
	case TargetFirmware:
		return "firmware"
	case TargetSecondary:
		return "spiffs"
	case TargetBoth:
		return "both"
	default:
		return ""
	}
}

// Firmware reports whether t includes the application image.
func (t Target) Firmware() bool { return t == TargetFirmware || t == TargetBoth }

// Secondary reports whether t includes the data image.
func (t Target) Secondary() bool { return t == TargetSecondary || t == TargetBoth }

func (t Target) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Target) UnmarshalText(b []byte) error {
	v, err := ParseTarget(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTarget accepts firmware, spiffs, secondary or both (case-insensitive).
// An empty string means both.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "firmware":
		return TargetFirmware, nil
	case "spiffs", "secondary":
		return TargetSecondary, nil
	case "both", "":
		return TargetBoth, nil
	}
	return TargetNone, fmt.Errorf("unknown update target %q (want firmware, spiffs or both)", s)
}
