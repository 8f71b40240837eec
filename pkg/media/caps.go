package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Caps describes a media format: a media type such as "audio/x-raw" plus an
// ordered list of fields (rate, channels, ...). The zero value means "any
// format" and intersects with everything.
type Caps struct {
	MediaType string
	Fields    Properties
}

// ParseCaps parses the compact textual form
// "audio/x-raw,rate=48000,channels=2". Numeric field values become ints,
// everything else stays a string.
func ParseCaps(s string) (Caps, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "ANY" {
		return Caps{}, nil
	}
	parts := strings.Split(s, ",")
	c := Caps{MediaType: strings.TrimSpace(parts[0])}
	if !strings.Contains(c.MediaType, "/") {
		return Caps{}, fmt.Errorf("media: caps %q: media type must look like type/subtype", s)
	}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			return Caps{}, fmt.Errorf("media: caps %q: malformed field %q", s, part)
		}
		if n, err := strconv.Atoi(value); err == nil {
			c.Fields.Set(key, n)
		} else {
			c.Fields.Set(key, value)
		}
	}
	return c, nil
}

// MustParseCaps is like [ParseCaps] but panics on malformed input. Use it
// for compile-time constant caps only.
func MustParseCaps(s string) Caps {
	c, err := ParseCaps(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsAny reports whether c places no constraint on the format.
func (c Caps) IsAny() bool {
	return c.MediaType == ""
}

// Int returns the integer field key.
func (c Caps) Int(key string) (int, bool) {
	v, ok := c.Fields.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}

// HasPrefix reports whether the media type starts with prefix, e.g.
// "audio/".
func (c Caps) HasPrefix(prefix string) bool {
	return strings.HasPrefix(c.MediaType, prefix)
}

// Intersects reports whether a stream could satisfy both c and o: the media
// types match and every field present in both has the same value.
func (c Caps) Intersects(o Caps) bool {
	if c.IsAny() || o.IsAny() {
		return true
	}
	if c.MediaType != o.MediaType {
		return false
	}
	for _, f := range c.Fields {
		if v, ok := o.Fields.Get(f.Key); ok && v != f.Value {
			return false
		}
	}
	return true
}

// String renders c in the form accepted by [ParseCaps].
func (c Caps) String() string {
	if c.IsAny() {
		return "ANY"
	}
	var b strings.Builder
	b.WriteString(c.MediaType)
	for _, f := range c.Fields {
		fmt.Fprintf(&b, ",%s=%v", f.Key, f.Value)
	}
	return b.String()
}
