package protocol

import (
	"fmt"
	"math"
)

// Gender is the patient gender code carried on the wire.
type Gender uint8

const (
	GenderMale   Gender = 1
	GenderFemale Gender = 2
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	default:
		return fmt.Sprintf("gender(%d)", uint8(g))
	}
}

// Valid reports whether g is one of the codes the device understands.
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// ieRatioLabels maps the inhale/exhale ratio code to its display label.
var ieRatioLabels = map[int]string{
	0: "-",
	1: "1:1",
	2: "1:1.5",
	3: "1:2",
	4: "1:3",
	5: "1:4",
}

// MaxIERatio is the highest inhale/exhale ratio code the device accepts.
const MaxIERatio = 5

// IERatioLabel returns the display label for an inhale/exhale ratio code.
func IERatioLabel(code int) string {
	if l, ok := ieRatioLabels[code]; ok {
		return l
	}
	return "-"
}

// Settings holds the ventilator operating parameters.
//
// Tidal volume, height and gender feed the predicted ideal body weight and
// the total tidal volume; they are only settable through methods so the
// derived values are recomputed on every change. Copying a Settings value
// copies the derived values with it.
type Settings struct {
	PatientID       uint32
	IERatio         int // inhale/exhale ratio code, see IERatioLabel
	RespiratoryRate int // breaths/min
	Running         bool

	tidalVolume int // mL/kg
	height      int // cm
	gender      Gender

	pibw      float64
	totalTVMl int
}

// DefaultSettings returns the settings a freshly admitted patient starts with.
func DefaultSettings() Settings {
	s := Settings{
		IERatio:         3,
		RespiratoryRate: 15,
		tidalVolume:     6,
		height:          180,
		gender:          GenderMale,
	}
	s.recompute()
	return s
}

// TidalVolume returns the tidal volume in mL per kg of ideal body weight.
func (s Settings) TidalVolume() int { return s.tidalVolume }

// Height returns the patient height in cm.
func (s Settings) Height() int { return s.height }

// Gender returns the patient gender.
func (s Settings) Gender() Gender { return s.gender }

// PIBW returns the predicted ideal body weight in kg.
func (s Settings) PIBW() float64 { return s.pibw }

// TotalTidalVolumeMl returns floor(tidalVolume × PIBW).
func (s Settings) TotalTidalVolumeMl() int { return s.totalTVMl }

// SetTidalVolume updates the tidal volume and the derived values.
func (s *Settings) SetTidalVolume(mlPerKg int) {
	s.tidalVolume = mlPerKg
	s.recompute()
}

// SetHeight updates the height and the derived values.
func (s *Settings) SetHeight(cm int) {
	s.height = cm
	s.recompute()
}

// SetGender updates the gender and the derived values.
func (s *Settings) SetGender(g Gender) {
	s.gender = g
	s.recompute()
}

func (s *Settings) recompute() {
	base := 50.0
	if s.gender == GenderFemale {
		base = 45.5
	}
	s.pibw = base + 0.91*(float64(s.height)-152.4)
	s.totalTVMl = int(math.Floor(float64(s.tidalVolume) * s.pibw))
}

// Validate checks that every field fits the byte width the codec encodes it
// into. The codec itself truncates; callers are expected to validate first.
func (s Settings) Validate() error {
	if err := checkByte("tidal_volume", s.tidalVolume); err != nil {
		return err
	}
	if s.IERatio < 0 || s.IERatio > MaxIERatio {
		return fmt.Errorf("protocol: ie_ratio must be 0-%d, got %d", MaxIERatio, s.IERatio)
	}
	if err := checkByte("respiratory_rate", s.RespiratoryRate); err != nil {
		return err
	}
	if err := checkByte("height", s.height); err != nil {
		return err
	}
	if !s.gender.Valid() {
		return fmt.Errorf("protocol: gender must be male or female, got %s", s.gender)
	}
	if s.totalTVMl < 0 || s.totalTVMl > math.MaxUint16 {
		return fmt.Errorf("protocol: total tidal volume %d mL does not fit 16 bits", s.totalTVMl)
	}
	return nil
}

func checkByte(name string, v int) error {
	if v < 0 || v > math.MaxUint8 {
		return fmt.Errorf("protocol: %s must be 0-255, got %d", name, v)
	}
	return nil
}
