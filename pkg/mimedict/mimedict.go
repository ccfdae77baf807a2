package mimedict

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entry is one MIME type and its payload
type Entry struct {
	Key   string
	Value string
}

// Dict is an ordered MIME dictionary. The zero value is an empty dictionary.
type Dict struct {
	entries []Entry
}

// New builds a Dict from key/value pairs. A trailing key without value is ignored.
func New(pairs ...string) Dict {
	var d Dict
	for i := 0; i+1 < len(pairs); i += 2 {
		d.Set(pairs[i], pairs[i+1])
	}
	return d
}

// Set adds key or replaces its value, keeping the original position.
func (d *Dict) Set(key, value string) {
	for i := range d.entries {
		if d.entries[i].Key == key {
			d.entries[i].Value = value
			return
		}
	}
	d.entries = append(d.entries, Entry{Key: key, Value: value})
}

// Get returns the value stored for key
func (d Dict) Get(key string) (string, bool) {
	for _, e := range d.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present
func (d Dict) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Len returns the number of entries
func (d Dict) Len() int {
	return len(d.entries)
}

// Entries returns a copy of the entries in order
func (d Dict) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

// Keys returns the keys in order
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// MarshalJSON encodes the dictionary as a JSON object, keeping the entry order.
func (d Dict) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range d.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of strings, keeping the order of the keys.
func (d *Dict) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("mimedict: expected JSON object, got %v", tok)
	}
	d.entries = nil
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return err
		}
		d.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
