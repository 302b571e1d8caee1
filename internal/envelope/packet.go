package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var packetValidate *validator.Validate

func init() {
	packetValidate = validator.New()
}

// ParsePacket decodes a diagnostic packet from JSON. Unknown fields are
// ignored; packets newer than CurrentPacketVersion are rejected.
func ParsePacket(data []byte) (DiagnosticPacket, error) {
	var p DiagnosticPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return DiagnosticPacket{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if err := ValidatePacket(p); err != nil {
		return DiagnosticPacket{}, err
	}
	if p.Version == 0 {
		p.Version = CurrentPacketVersion
	}
	return p, nil
}

// ValidatePacket checks version and field constraints.
func ValidatePacket(p DiagnosticPacket) error {
	if p.Version > CurrentPacketVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if err := packetValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidPacket, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	return nil
}
