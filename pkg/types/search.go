package types

// SearchCriteria is a parsed search query. Values within one field are ORed,
// populated fields are ANDed.
type SearchCriteria struct {
	From          []string `json:"from,omitempty"`
	To            []string `json:"to,omitempty"`
	Subject       []string `json:"subject,omitempty"`
	Contains      []string `json:"contains,omitempty"`
	Folders       []string `json:"folders,omitempty"`
	HasAttachment *bool    `json:"has_attachment,omitempty"`
	IsRead        *bool    `json:"is_read,omitempty"`
	IsStarred     *bool    `json:"is_starred,omitempty"`
	FreeText      string   `json:"free_text,omitempty"`
}

// HasFilters reports whether any structured filter is set.
func (c *SearchCriteria) HasFilters() bool {
	return len(c.From) > 0 || len(c.To) > 0 || len(c.Subject) > 0 ||
		len(c.Contains) > 0 || len(c.Folders) > 0 ||
		c.HasAttachment != nil || c.IsRead != nil || c.IsStarred != nil
}

// SearchResult is one ranked search hit
type SearchResult struct {
	Email      Email    `json:"email"`
	Similarity float64  `json:"similarity"`
	Sources    []string `json:"sources"`
}
