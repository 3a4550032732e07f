package smartquery

// TableColumn is one column of a CanonicalTable. Key indexes row maps; Label is for display.
type TableColumn struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// CanonicalTable is the normalized result shape. Every row holds exactly the column keys.
// Total equals len(Rows) unless Truncated is set, in which case Total is the untruncated count,
// or the count read when the executor stopped reading at its own cap.
type CanonicalTable struct {
	Columns   []TableColumn    `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Total     int              `json:"total"`
	Truncated bool             `json:"truncated"`
	Page      int              `json:"page,omitempty"`
	PageSize  int              `json:"page_size,omitempty"`
}

// Keys returns the column keys in order.
func (t CanonicalTable) Keys() []string {
	keys := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		keys[i] = c.Key
	}
	return keys
}

// Labels returns the column labels in order.
func (t CanonicalTable) Labels() []string {
	labels := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		labels[i] = c.Label
	}
	return labels
}

// Paginate returns the 1-based page of the table. Total keeps the full row count and
// Truncated is set when rows outside the page were dropped. A page size of zero or less
// returns the table unchanged.
func (t CanonicalTable) Paginate(page, pageSize int) CanonicalTable {
	if pageSize <= 0 {
		return t
	}
	if page < 1 {
		page = 1
	}
	start := len(t.Rows)
	if page-1 <= len(t.Rows)/pageSize {
		start = min((page-1)*pageSize, len(t.Rows))
	}
	end := len(t.Rows)
	if pageSize < end-start {
		end = start + pageSize
	}
	out := t
	out.Rows = t.Rows[start:end]
	out.Page = page
	out.PageSize = pageSize
	if len(out.Rows) < len(t.Rows) {
		out.Truncated = true
	}
	return out
}
