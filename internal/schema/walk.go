package schema

import (
	"github.com/ternarybob/relay/internal/syncerrors"
)

// DecryptFunc decrypts one ciphertext leaf.
type DecryptFunc func(ciphertext string) (string, error)

// DecryptConfig walks the stored config tree against the declared schema
// and decrypts every secret leaf in place, recursing into object and
// object_array subtrees. A failed decrypt aborts the walk: partial or
// ciphertext values must never reach a connector.
func DecryptConfig(s ConfigSchema, config map[string]interface{}, decrypt DecryptFunc) error {
	return decryptFields(s.Fields, config, "", decrypt)
}

func decryptFields(fields []Field, config map[string]interface{}, prefix string, decrypt DecryptFunc) error {
	for _, f := range fields {
		raw, ok := config[f.Name]
		if !ok || raw == nil {
			continue
		}
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}

		switch f.Type {
		case FieldTypeObject:
			child, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if err := decryptFields(f.Fields, child, path, decrypt); err != nil {
				return err
			}

		case FieldTypeObjectArray:
			items, ok := toSlice(raw)
			if !ok {
				continue
			}
			for _, item := range items {
				child, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				if err := decryptFields(f.ItemFields, child, path+"[]", decrypt); err != nil {
					return err
				}
			}

		default:
			if !f.Secret() {
				continue
			}
			ciphertext, ok := raw.(string)
			if !ok || ciphertext == "" {
				continue
			}
			plain, err := decrypt(ciphertext)
			if err != nil {
				return &syncerrors.DecryptError{Field: path, Err: err}
			}
			config[f.Name] = plain
		}
	}
	return nil
}

// toSlice tolerates both []interface{} and BSON's primitive.A shape.
func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []map[string]interface{}:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	default:
		return nil, false
	}
}
