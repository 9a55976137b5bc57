package doser

import (
	"encoding/json"
	"fmt"
)

// MlPerGallon is the US gallon in millilitres
const MlPerGallon = 3785.41

// VolUnit is a volume unit accepted by dose requests
type VolUnit string

const (
	Ml   VolUnit = "Ml"
	L    VolUnit = "L"
	Gal  VolUnit = "Gal"
	FlOz VolUnit = "FlOz"
)

var unitAliases = map[string]VolUnit{
	"Ml":    Ml,
	"ml":    Ml,
	"mL":    Ml,
	"L":     L,
	"l":     L,
	"Gal":   Gal,
	"gal":   Gal,
	"FlOz":  FlOz,
	"fl oz": FlOz,
	"Fl Oz": FlOz,
	"floz":  FlOz,
}

// ParseVolUnit resolves a unit name or alias
func ParseVolUnit(s string) (VolUnit, error) {
	u, ok := unitAliases[s]
	if !ok {
		return "", fmt.Errorf("unknown volume unit %q", s)
	}
	return u, nil
}

// ScaleToMl returns how many millilitres one unit holds
func (u VolUnit) ScaleToMl() float64 {
	switch u {
	case L:
		return 1000.0
	case Gal:
		return MlPerGallon
	case FlOz:
		return 29.5735
	default:
		return 1.0
	}
}

// UnmarshalJSON accepts any alias
func (u *VolUnit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVolUnit(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// UnmarshalText accepts any alias, for YAML feed charts
func (u *VolUnit) UnmarshalText(text []byte) error {
	parsed, err := ParseVolUnit(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
