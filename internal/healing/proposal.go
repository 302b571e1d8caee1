package healing

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Proposal is a validated proposer response.
type Proposal struct {
	Fix            string
	FixDescription string
	FixDiff        string
	Confidence     *float64
}

// ParseProposal checks the shape of a raw proposer response. Any deviation
// is a protocol fault.
func ParseProposal(raw []byte) (Proposal, error) {
	if !gjson.ValidBytes(raw) {
		return Proposal{}, fmt.Errorf("%w: response is not valid JSON", ErrProtocol)
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return Proposal{}, fmt.Errorf("%w: response is not a JSON object", ErrProtocol)
	}

	var p Proposal
	fix := res.Get("fix")
	if fix.Type != gjson.String || fix.Str == "" {
		return Proposal{}, fmt.Errorf("%w: missing string field fix", ErrProtocol)
	}
	p.Fix = fix.Str

	desc := res.Get("fix_description")
	if desc.Type != gjson.String || desc.Str == "" {
		return Proposal{}, fmt.Errorf("%w: missing string field fix_description", ErrProtocol)
	}
	p.FixDescription = desc.Str

	if diff := res.Get("fix_diff"); diff.Exists() && diff.Type != gjson.Null {
		if diff.Type != gjson.String {
			return Proposal{}, fmt.Errorf("%w: fix_diff must be a string", ErrProtocol)
		}
		p.FixDiff = diff.Str
	}

	if conf := res.Get("confidence"); conf.Exists() && conf.Type != gjson.Null {
		if conf.Type != gjson.Number {
			return Proposal{}, fmt.Errorf("%w: confidence must be a number", ErrProtocol)
		}
		v := conf.Num
		if v < 0 || v > 1 {
			return Proposal{}, fmt.Errorf("%w: confidence %.3f out of range", ErrProtocol, v)
		}
		p.Confidence = &v
	}
	return p, nil
}
