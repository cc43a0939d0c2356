// Package jsonrow carries the row codec shared by the SQL provider drivers:
// instances travel as JSON payloads keyed by their rendered primary key.
package jsonrow

import (
	"encoding/json"
	"fmt"
	"reflect"

	"entsession/pkg/entity"
)

// Encode renders an instance as its payload bytes.
func Encode(instance any) ([]byte, error) {
	return json.Marshal(instance)
}

// KeyString renders a key as the text stored in the pk column.
func KeyString(key entity.Key) string {
	return fmt.Sprint(key)
}

// Projector returns the default projector for a descriptor: the raw row is a
// JSON payload, decoded into a fresh instance of the descriptor's type.
func Projector(desc *entity.Descriptor) entity.Projector {
	return func(row any) (any, error) {
		payload, ok := row.([]byte)
		if !ok {
			return nil, fmt.Errorf("jsonrow: raw row for %s is %T, want []byte", desc.Table, row)
		}
		out := reflect.New(desc.Type).Interface()
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("jsonrow: decode %s row: %w", desc.Table, err)
		}
		return out, nil
	}
}
