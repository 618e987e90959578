package version

import "encoding/json"

// MarshalJSON renders a SpecifierSet in its comma-joined string form, empty
// string meaning "no constraint".
func (ss SpecifierSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ss.String())
}

// UnmarshalJSON parses a SpecifierSet from its comma-joined string form.
func (ss *SpecifierSet) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSpecifierSet(s)
	if err != nil {
		return err
	}
	*ss = parsed
	return nil
}
