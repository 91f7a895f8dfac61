package shared

// Pagination describes limit/offset inputs for list queries.
type Pagination struct {
	Limit  int
	Offset int
}

// Normalise clamps pagination values to sane bounds.
func (p Pagination) Normalise() Pagination {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
