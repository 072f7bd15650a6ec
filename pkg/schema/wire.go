package schema

// FilterSpec is the structured form of a view filter. Op is "all", "none",
// "and", "or", "not" or a comparison operator ("=", "contains",
// "startswith", "matches"); comparisons name a Field and a Value.
type FilterSpec struct {
	Op       string       `json:"op"`
	Field    string       `json:"field,omitempty"`
	Value    string       `json:"value,omitempty"`
	Children []FilterSpec `json:"children,omitempty"`
}

// QueryRequest opens a view.
type QueryRequest struct {
	// Filter is a textual expression; Spec wins when both are set.
	Filter  string      `json:"filter,omitempty"`
	Spec    *FilterSpec `json:"spec,omitempty"`
	Sort    string      `json:"sort,omitempty"`
	Max     int         `json:"max,omitempty" binding:"gte=0" validate:"gte=0"`
	Sources []string    `json:"sources,omitempty"`
}

// ViewInfo describes an opened view.
type ViewInfo struct {
	ID string `json:"id"`
	// Warning carries the reason a view stays empty, such as a malformed filter.
	Warning      string   `json:"warning,omitempty"`
	RejectedSort []string `json:"rejected_sort,omitempty"`
}

// CountEvent is pushed to watchers each time a view's result count changes.
type CountEvent struct {
	View  string `json:"view"`
	Count int    `json:"count"`
}

// ContactsEvent is pushed to watchers of the whole address book.
type ContactsEvent struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// SourceInfo describes one backend source of contacts.
type SourceInfo struct {
	ID       string `json:"id"`
	ReadOnly bool   `json:"read_only"`
}
