package semantic

// Response is the typed shape of an agent answer. Confidence and UserRating
// are pointers so "not supplied" is distinguishable from an explicit zero;
// Sections carries the structured result blocks (plan, recommendations, ...)
// the quality evaluator inspects, Metadata holds everything else opaque.
type Response struct {
	Content    string         `json:"content"`
	Confidence *float64       `json:"confidence,omitempty"`
	UserRating *float64       `json:"userRating,omitempty"`
	Sections   map[string]any `json:"sections,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RequestContext partitions cache entries across users, sessions, and
// arbitrary preference sets. An empty context is valid and shares entries
// across all callers of the same agent.
type RequestContext struct {
	UserID      string
	SessionID   string
	Preferences map[string]any
}

// ToMap flattens the response for storage and for the admission policy
// environment. The inverse is ResponseFromMap.
func (r Response) ToMap() map[string]any {
	out := map[string]any{"content": r.Content}
	if r.Confidence != nil {
		out["confidence"] = *r.Confidence
	}
	if r.UserRating != nil {
		out["userRating"] = *r.UserRating
	}
	if len(r.Sections) > 0 {
		sections := make(map[string]any, len(r.Sections))
		for k, v := range r.Sections {
			sections[k] = v
		}
		out["sections"] = sections
	}
	if len(r.Metadata) > 0 {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out["metadata"] = metadata
	}
	return out
}

// ResponseFromMap rebuilds a Response from its stored representation. Unknown
// shapes degrade to zero values rather than failing.
func ResponseFromMap(in map[string]any) Response {
	var out Response
	if content, ok := in["content"].(string); ok {
		out.Content = content
	}
	if v, ok := toFloat(in["confidence"]); ok {
		out.Confidence = &v
	}
	if v, ok := toFloat(in["userRating"]); ok {
		out.UserRating = &v
	}
	if sections, ok := in["sections"].(map[string]any); ok {
		out.Sections = sections
	}
	if metadata, ok := in["metadata"].(map[string]any); ok {
		out.Metadata = metadata
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
