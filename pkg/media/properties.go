package media

// Property is a single key → typed value pair of an element's property bag.
type Property struct {
	Key   string
	Value any
}

// Properties is an ordered property bag. Order is the order in which keys
// were first set, which keeps logs and snapshots stable.
type Properties []Property

// Get returns the value stored under key.
func (p Properties) Get(key string) (any, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return nil, false
}

// Set stores value under key, replacing an existing entry in place.
func (p *Properties) Set(key string, value any) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Property{Key: key, Value: value})
}

// Clone returns a copy that shares no backing array with p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	copy(out, p)
	return out
}
