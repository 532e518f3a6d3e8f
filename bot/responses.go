package bot

import "strings"

// ResponseTable is an insertion-ordered trigger table. Match walks it in
// order so the earliest trigger wins. It is not safe for concurrent use; the
// owner guards it.
type ResponseTable struct {
	entries []AutoResponse
}

// NewResponseTable copies seed into a new table.
func NewResponseTable(seed []AutoResponse) *ResponseTable {
	t := &ResponseTable{}
	for _, r := range seed {
		t.Set(r.Trigger, r.Response)
	}
	return t
}

// Set adds or replaces a trigger. Replacing keeps the original position.
// Blank triggers are ignored and reported as false.
func (t *ResponseTable) Set(trigger, response string) bool {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return false
	}
	for i := range t.entries {
		if t.entries[i].Trigger == trigger {
			t.entries[i].Response = response
			return true
		}
	}
	t.entries = append(t.entries, AutoResponse{Trigger: trigger, Response: response})
	return true
}

// Delete removes a trigger and reports whether it was present.
func (t *ResponseTable) Delete(trigger string) bool {
	trigger = strings.TrimSpace(trigger)
	for i := range t.entries {
		if t.entries[i].Trigger == trigger {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the response for an exact trigger.
func (t *ResponseTable) Get(trigger string) (string, bool) {
	for _, e := range t.entries {
		if e.Trigger == trigger {
			return e.Response, true
		}
	}
	return "", false
}

// Match returns the first entry whose trigger is a case-insensitive substring of text.
func (t *ResponseTable) Match(text string) (AutoResponse, bool) {
	lower := strings.ToLower(text)
	for _, e := range t.entries {
		if strings.Contains(lower, strings.ToLower(e.Trigger)) {
			return e, true
		}
	}
	return AutoResponse{}, false
}

// List returns a copy of the entries in order.
func (t *ResponseTable) List() []AutoResponse {
	out := make([]AutoResponse, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *ResponseTable) Len() int { return len(t.entries) }
