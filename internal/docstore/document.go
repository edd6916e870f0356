package docstore

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Document is a point-in-time copy of a stored document.
type Document struct {
	ID   string
	Path string
	Data map[string]any
}

// DataTo decodes the document into dst (a pointer to a struct with mapstructure tags).
// The document id is exposed to the decoder under the key "id".
func (d *Document) DataTo(dst any) error {
	input := make(map[string]any, len(d.Data)+1)
	for k, v := range d.Data {
		input[k] = v
	}
	if _, ok := input["id"]; !ok {
		input["id"] = d.ID
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  dst,
		TagName: "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

// Decode decodes a document into a fresh T.
func Decode[T any](d *Document) (T, error) {
	var v T
	err := d.DataTo(&v)
	return v, err
}

// DecodeAll decodes every document, returning the decoded values and the
// documents that failed to decode.
func DecodeAll[T any](docs []*Document) ([]T, []error) {
	out := make([]T, 0, len(docs))
	var errs []error
	for _, d := range docs {
		v, err := Decode[T](d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, v)
	}
	return out, errs
}
