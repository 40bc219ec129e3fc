package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/ventpal/internal/ble/protocol"
)

// applySettings applies key=value pairs to s. Values are checked for
// syntax only; range checks are left to Settings.Validate.
func applySettings(s *protocol.Settings, args []string) error {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("set: %q is not key=value", arg)
		}

		switch key {
		case "gender":
			switch strings.ToLower(value) {
			case "male", "m":
				s.SetGender(protocol.GenderMale)
			case "female", "f":
				s.SetGender(protocol.GenderFemale)
			default:
				return fmt.Errorf("set: gender must be male or female, got %q", value)
			}
			continue
		case "ie":
			if code, ok := ieRatioCode(value); ok {
				s.IERatio = code
				continue
			}
		}

		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("set: %s: %w", key, err)
		}
		switch key {
		case "patient":
			if n < 0 {
				return fmt.Errorf("set: patient must not be negative")
			}
			s.PatientID = uint32(n)
		case "tidal":
			s.SetTidalVolume(n)
		case "ie":
			s.IERatio = n
		case "rate":
			s.RespiratoryRate = n
		case "height":
			s.SetHeight(n)
		default:
			return fmt.Errorf("set: unknown setting %q", key)
		}
	}
	return nil
}

// ieRatioCode accepts a display label such as "1:2".
func ieRatioCode(label string) (int, bool) {
	for code := 1; code <= protocol.MaxIERatio; code++ {
		if protocol.IERatioLabel(code) == label {
			return code, true
		}
	}
	return 0, false
}
