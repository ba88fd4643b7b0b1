package fleet

import "strings"

// Normalize validates a producer-submitted task and fills derived
// fields (normalized target, identity, domain). It fails fast with a
// ValidationError so malformed tasks are never admitted.
func (t Task) Normalize() (Task, error) {
	if strings.TrimSpace(t.Target) == "" {
		return Task{}, &ValidationError{Field: "target", Reason: "is required"}
	}
	normalized, err := NormalizeTarget(t.Target)
	if err != nil {
		return Task{}, &ValidationError{Field: "target", Reason: err.Error()}
	}
	if t.Method == "" {
		t.Method = "GET"
	}
	t.Method = strings.ToUpper(t.Method)
	switch t.Method {
	case "GET", "HEAD", "POST":
	default:
		return Task{}, &ValidationError{Field: "method", Reason: "must be GET, HEAD, or POST"}
	}
	switch t.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	case 0:
		t.Priority = PriorityNormal
	default:
		return Task{}, &ValidationError{Field: "priority", Reason: "unknown tier"}
	}
	if t.MaxAttempts < 0 {
		return Task{}, &ValidationError{Field: "max_attempts", Reason: "must be >= 0"}
	}
	t.Target = normalized
	t.Domain = DomainOf(normalized)
	t.Identity = TaskIdentity(normalized, t.Method, t.Params)
	return t, nil
}
