package pkgname

import "encoding/json"

// MarshalJSON renders a Name as its as-given spelling, so a written lock
// file stays readable and diffable.
func (n Name) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.asGiven)
}

// UnmarshalJSON parses a Name the same way a requirement or index page
// would, rejecting anything that isn't a legal PEP 503 distribution name.
func (n *Name) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseName(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
