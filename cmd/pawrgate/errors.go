package main

import (
	"errors"
	"strings"

	"github.com/srg/pawrgate/internal/adv"
	"github.com/srg/pawrgate/internal/publish"
	"github.com/srg/pawrgate/internal/radio"
	"github.com/srg/pawrgate/pkg/config"
)

// FormatUserError turns err into a one-line message with a hint where the
// cause is known.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		return msg + " (check the config file, PAWRGATE_* variables and flags)"
	case errors.Is(err, publish.ErrTimeout):
		return msg + " (is the MQTT broker reachable?)"
	case errors.Is(err, radio.ErrRejected):
		return msg + " (the controller refused the command)"
	case errors.Is(err, adv.ErrFieldNotFound):
		return msg + " (payload must carry temperature and humidity records)"
	}

	// Capitalize for display
	if msg != "" {
		msg = strings.ToUpper(msg[:1]) + msg[1:]
	}
	return msg
}
