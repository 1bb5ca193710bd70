package revalidate

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
)

// NewSerializer returns the serializer registered under name ("json" or
// "gob"), wrapped in gzip when compress is set.
func NewSerializer(name string, compress bool) (Serializer, error) {
	var s Serializer
	switch name {
	case "", "json":
		s = &JSONSerializer{}
	case "gob":
		s = &GobSerializer{}
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
	if compress {
		s = NewCompressedSerializer(s)
	}
	return s, nil
}

// JSONSerializer serializes values with jsoniter. It is the default: cached
// analytics payloads are JSON-shaped and are served to clients as JSON.
type JSONSerializer struct{}

func (j *JSONSerializer) Marshal(v any) ([]byte, error) {
	return jsonFast.Marshal(v)
}

func (j *JSONSerializer) Unmarshal(data []byte, v any) error {
	return jsonFast.Unmarshal(data, v)
}

// GobSerializer uses encoding/gob. More compact than JSON for Go-native
// structs, but the values are only readable from Go.
type GobSerializer struct{}

func (g *GobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *GobSerializer) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// CompressedSerializer adds gzip compression to any underlying serializer.
// Useful for large per-property breakdowns held for a long MaxTTL.
type CompressedSerializer struct {
	Inner Serializer // Underlying serializer to compress
	Level int        // gzip compression level (1=fast, 9=best compression)
}

func NewCompressedSerializer(inner Serializer) *CompressedSerializer {
	return &CompressedSerializer{
		Inner: inner,
		Level: gzip.DefaultCompression,
	}
}

func (c *CompressedSerializer) Marshal(v any) ([]byte, error) {
	data, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *CompressedSerializer) Unmarshal(data []byte, v any) error {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer r.Close()

	decompressed, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.Inner.Unmarshal(decompressed, v)
}
