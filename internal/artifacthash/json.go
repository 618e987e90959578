package artifacthash

import "encoding/json"

// MarshalJSON renders a Hash in its "<algorithm>=<hex digest>" string form.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a Hash from its "<algorithm>=<hex digest>" string form.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
