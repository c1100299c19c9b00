package cells

// Cell is the atomic unit of comparison. A cell with a formula carries the
// normalized (prettified) formula text plus the engine's last cached value;
// a literal cell carries only Value. ExternalRef is true when the formula
// references another workbook.
type Cell struct {
	Formula     string  `json:"formula,omitempty"`
	CachedValue *Scalar `json:"cached_value,omitempty"`
	Value       *Scalar `json:"value,omitempty"`
	ExternalRef bool    `json:"external_ref,omitempty"`
}

// HasFormula reports whether the cell carries a formula. Workbook formulas
// are never the empty string, so presence is encoded in the text itself.
func (c Cell) HasFormula() bool { return c.Formula != "" }

// Display returns the value shown for the cell: the cached evaluated value
// when present, otherwise the literal value, otherwise null.
func (c Cell) Display() Scalar {
	if c.CachedValue != nil {
		return *c.CachedValue
	}

	if c.Value != nil {
		return *c.Value
	}

	return Null()
}

// Equal reports structural equality over all four attributes.
func (c Cell) Equal(o Cell) bool {
	return c.Formula == o.Formula &&
		c.ExternalRef == o.ExternalRef &&
		scalarPtrEqual(c.CachedValue, o.CachedValue) &&
		scalarPtrEqual(c.Value, o.Value)
}

func scalarPtrEqual(a, b *Scalar) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}

// ScalarPtr returns a pointer to a copy of s, for populating the optional
// Cell fields.
func ScalarPtr(s Scalar) *Scalar { return &s }
