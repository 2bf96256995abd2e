package eventbus

// Headers is an ordered multimap of delivery metadata. Keys keep their
// insertion order and every key maps to an ordered list of values.
type Headers struct {
	names  []string
	values map[string][]string
}

// NewHeaders creates an empty header set
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Add appends a value under name
func (h *Headers) Add(name, value string) *Headers {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	if _, exists := h.values[name]; !exists {
		h.names = append(h.names, name)
	}
	h.values[name] = append(h.values[name], value)
	return h
}

// AddAll appends several values under name, keeping their order
func (h *Headers) AddAll(name string, values ...string) *Headers {
	for _, v := range values {
		h.Add(name, v)
	}
	return h
}

// Set replaces every value stored under name
func (h *Headers) Set(name, value string) *Headers {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	if _, exists := h.values[name]; !exists {
		h.names = append(h.names, name)
	}
	h.values[name] = []string{value}
	return h
}

// Get returns the first value stored under name
func (h *Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	if values := h.values[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetAll returns a copy of all values stored under name
func (h *Headers) GetAll(name string) []string {
	if h == nil {
		return nil
	}
	values := h.values[name]
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// Contains reports whether name has at least one value
func (h *Headers) Contains(name string) bool {
	if h == nil {
		return false
	}
	_, ok := h.values[name]
	return ok
}

// Remove deletes name and all its values
func (h *Headers) Remove(name string) {
	if h == nil {
		return
	}
	if _, exists := h.values[name]; !exists {
		return
	}
	delete(h.values, name)
	for i, n := range h.names {
		if n == name {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Names returns the keys in insertion order
func (h *Headers) Names() []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Len returns the number of distinct keys
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.names)
}

// IsEmpty reports whether there are no keys
func (h *Headers) IsEmpty() bool {
	return h.Len() == 0
}

// Clone returns a deep copy. Cloning a nil Headers yields an empty set.
func (h *Headers) Clone() *Headers {
	clone := NewHeaders()
	if h == nil {
		return clone
	}
	for _, name := range h.names {
		clone.AddAll(name, h.values[name]...)
	}
	return clone
}
