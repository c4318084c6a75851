package config

// Secret holds a credential that must never appear in logs or dumps.
// Every formatting path renders it redacted; code that needs the real
// value converts with string(s).
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalYAML keeps secrets out of marshalled config snapshots.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}

// MarshalJSON keeps secrets out of JSON-encoded config.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// GoString covers the %#v verb, which bypasses String.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"[REDACTED]"`
}
