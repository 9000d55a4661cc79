package bigquery

import (
	"strconv"
	"time"

	"github.com/ternarybob/relay/internal/models"
)

// decodeRows converts the jobs-API wire rows ({f:[{v:...}]} aligned with
// the schema field list) into records, recursing through RECORD fields
// and unwrapping REPEATED ones.
func decodeRows(fields []fieldSchema, rows []tableRow) []models.Record {
	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.Record(decodeRow(fields, row)))
	}
	return records
}

func decodeRow(fields []fieldSchema, row tableRow) map[string]interface{} {
	doc := make(map[string]interface{}, len(fields))
	for i, field := range fields {
		if i >= len(row.F) {
			break
		}
		doc[field.Name] = decodeValue(field, row.F[i].V)
	}
	return doc
}

func decodeValue(field fieldSchema, raw interface{}) interface{} {
	if raw == nil {
		return nil
	}

	if field.Mode == "REPEATED" {
		items, ok := raw.([]interface{})
		if !ok {
			return nil
		}
		element := field
		element.Mode = ""
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			// Repeated cells arrive wrapped as {"v": ...}.
			if cell, ok := item.(map[string]interface{}); ok {
				out = append(out, decodeValue(element, cell["v"]))
			}
		}
		return out
	}

	switch field.Type {
	case "RECORD", "STRUCT":
		cell, ok := raw.(map[string]interface{})
		if !ok {
			return nil
		}
		nested, ok := cell["f"].([]interface{})
		if !ok {
			return nil
		}
		row := tableRow{F: make([]tableCell, 0, len(nested))}
		for _, item := range nested {
			if c, ok := item.(map[string]interface{}); ok {
				row.F = append(row.F, tableCell{V: c["v"]})
			}
		}
		return decodeRow(field.Fields, row)

	case "INTEGER", "INT64":
		if s, ok := raw.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
		return raw

	case "FLOAT", "FLOAT64", "NUMERIC", "BIGNUMERIC":
		if s, ok := raw.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return raw

	case "BOOLEAN", "BOOL":
		if s, ok := raw.(string); ok {
			return s == "true"
		}
		return raw

	case "TIMESTAMP":
		// Timestamps arrive as epoch seconds with a fractional part.
		if s, ok := raw.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				sec := int64(f)
				nsec := int64((f - float64(sec)) * 1e9)
				return time.Unix(sec, nsec).UTC()
			}
		}
		return raw

	default:
		return raw
	}
}
