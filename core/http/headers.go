package http

// Field is a single received header line. Keys are normalized to
// lowercase on entry so lookups are case-insensitive.
type Field struct {
	Key   string
	Value string
}

// Headers preserves every received header field in arrival order,
// duplicates included.
type Headers struct {
	fields []Field
}

// Add appends a field. The key is lowercased if it is not already.
func (h *Headers) Add(key, value string) {
	h.fields = append(h.fields, Field{Key: lower(key), Value: value})
}

// Get returns the first value for key.
func (h *Headers) Get(key string) (string, bool) {
	key = lower(key)
	for i := range h.fields {
		if h.fields[i].Key == key {
			return h.fields[i].Value, true
		}
	}
	return "", false
}

// Values returns every value for key, in arrival order.
func (h *Headers) Values(key string) []string {
	key = lower(key)
	var values []string
	for i := range h.fields {
		if h.fields[i].Key == key {
			values = append(values, h.fields[i].Value)
		}
	}
	return values
}

// Has reports whether at least one field with key was received.
func (h *Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Fields exposes the raw field sequence.
func (h *Headers) Fields() []Field {
	return h.fields
}

// Len returns the number of received fields.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Reset clears the field list, keeping capacity.
func (h *Headers) Reset() {
	h.fields = h.fields[:0]
}

func lower(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] |= 0x20
				}
			}
			return string(b)
		}
	}
	return s
}
