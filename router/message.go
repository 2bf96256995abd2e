package router

import "sort"

// Message is the input or output of an exchange
type Message struct {
	body    any
	headers map[string]any
}

// NewMessage creates a message with body and no headers
func NewMessage(body any) *Message {
	return &Message{body: body}
}

// Body returns the message body
func (m *Message) Body() any {
	return m.body
}

// SetBody replaces the message body
func (m *Message) SetBody(body any) {
	m.body = body
}

// Header returns the value stored under name, or nil
func (m *Message) Header(name string) any {
	return m.headers[name]
}

// SetHeader stores value under name
func (m *Message) SetHeader(name string, value any) {
	if m.headers == nil {
		m.headers = make(map[string]any)
	}
	m.headers[name] = value
}

// RemoveHeader deletes name
func (m *Message) RemoveHeader(name string) {
	delete(m.headers, name)
}

// Headers returns the live header map. It is nil when no header was ever set.
func (m *Message) Headers() map[string]any {
	return m.headers
}

// SetHeaders replaces all headers with a copy of headers
func (m *Message) SetHeaders(headers map[string]any) {
	m.headers = nil
	for k, v := range headers {
		m.SetHeader(k, v)
	}
}

// HasHeaders reports whether at least one header is set
func (m *Message) HasHeaders() bool {
	return len(m.headers) > 0
}

// HeaderNames returns the header names in sorted order
func (m *Message) HeaderNames() []string {
	names := make([]string, 0, len(m.headers))
	for k := range m.headers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Copy returns a shallow copy: the header map is copied, values and body are shared
func (m *Message) Copy() *Message {
	c := &Message{body: m.body}
	c.SetHeaders(m.headers)
	return c
}
