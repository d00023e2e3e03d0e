// Package receiver implements the typed operations and asynchronous status
// fan-out of urn:x-cast:com.google.cast.receiver.
package receiver

import "github.com/castmaster/gocast/codec"

// ControlType describes how the device's volume is governed.
type ControlType string

const (
	ControlFixed       ControlType = "fixed"
	ControlAttenuation ControlType = "attenuation"
	ControlMaster      ControlType = "master"
)

// Volume is an immutable snapshot of the device's volume state.
type Volume struct {
	ControlType  ControlType
	Level        float64 // [0.0, 1.0]
	Muted        bool
	StepInterval float64 // (0.0, 1.0]
}

// Application describes one app currently running on the device.
type Application struct {
	AppID             string
	DisplayName       string
	SessionID         string
	TransportID       string
	StatusText        string
	IsIdleScreen      bool
	LaunchedFromCloud bool
	Namespaces        []string
}

// Status is an immutable value describing everything running on the
// device plus its volume state. A new Status is published on every
// change; callers never mutate one in place.
type Status struct {
	Applications []Application
	Volume       Volume
}

// AppAvailability mirrors codec.AppAvailability in the domain model.
type AppAvailability = codec.AppAvailability

const (
	Available   = codec.AppAvailable
	Unavailable = codec.AppUnavailable
	Unknown     = codec.AppUnknown
)

// FindApplication returns the running application with the given app id,
// if any.
func (s *Status) FindApplication(appID string) (Application, bool) {
	for _, a := range s.Applications {
		if a.AppID == appID {
			return a, true
		}
	}
	return Application{}, false
}

func translateStatus(w codec.DeviceStatus) Status {
	apps := make([]Application, 0, len(w.Applications))
	for _, a := range w.Applications {
		ns := make([]string, 0, len(a.Namespaces))
		for _, n := range a.Namespaces {
			ns = append(ns, n.Name)
		}
		apps = append(apps, Application{
			AppID:             a.AppID,
			DisplayName:       a.DisplayName,
			SessionID:         a.SessionID,
			TransportID:       a.TransportID,
			StatusText:        a.StatusText,
			IsIdleScreen:      a.IsIdleScreen,
			LaunchedFromCloud: a.LaunchedFromCloud,
			Namespaces:        ns,
		})
	}
	return Status{
		Applications: apps,
		Volume: Volume{
			ControlType:  ControlType(w.Volume.ControlType),
			Level:        w.Volume.Level,
			Muted:        w.Volume.Muted,
			StepInterval: w.Volume.StepInterval,
		},
	}
}
