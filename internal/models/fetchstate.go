package models

// FetchState is the resumable position of a chunked entity fetch. It is
// returned by each chunk and handed back unchanged to resume the next
// one; connectors own its interpretation.
type FetchState struct {
	Offset            int                    `bson:"offset,omitempty" json:"offset,omitempty"`
	Page              int                    `bson:"page,omitempty" json:"page,omitempty"`
	Cursor            string                 `bson:"cursor,omitempty" json:"cursor,omitempty"`
	TotalProcessed    int64                  `bson:"totalProcessed" json:"total_processed"`
	HasMore           bool                   `bson:"hasMore" json:"has_more"`
	IterationsInChunk int                    `bson:"iterationsInChunk" json:"iterations_in_chunk"`
	Metadata          map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// MetaString returns a string metadata value or "" when absent.
func (s *FetchState) MetaString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaInt returns an int metadata value, tolerating the float64 shape
// produced by JSON/BSON round-trips.
func (s *FetchState) MetaInt(key string) int {
	if s == nil || s.Metadata == nil {
		return 0
	}
	switch v := s.Metadata[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetaBool returns a bool metadata value or false when absent.
func (s *FetchState) MetaBool(key string) bool {
	if s == nil || s.Metadata == nil {
		return false
	}
	v, _ := s.Metadata[key].(bool)
	return v
}

// SetMeta sets a metadata value, allocating the map on first use.
func (s *FetchState) SetMeta(key string, value interface{}) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	s.Metadata[key] = value
}
