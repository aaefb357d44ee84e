package model

// Query limit bounds. Out-of-range values are clamped, never rejected.
const (
	QueryDefaultLimit = 100
	QueryMaxLimit     = 2000
)

// AttrOp is a comparison operator applied against the attributes JSON blob.
type AttrOp string

// Attribute predicate operators.
const (
	AttrOpEq     AttrOp = "eq"
	AttrOpLike   AttrOp = "like"
	AttrOpGt     AttrOp = "gt"
	AttrOpGte    AttrOp = "gte"
	AttrOpLt     AttrOp = "lt"
	AttrOpLte    AttrOp = "lte"
	AttrOpExists AttrOp = "exists"
)

// AttrPredicate matches one attribute key inside the JSON blob. Value is
// ignored for the exists operator, which tests path presence rather than
// truthiness.
type AttrPredicate struct {
	Key   string `json:"key"`
	Op    AttrOp `json:"op"`
	Value any    `json:"value,omitempty"`
}

// RangeBound is a {gte, lte} pair for a numeric or time column.
type RangeBound struct {
	Gte *float64 `json:"gte,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
}

// Query is the request envelope shared by the trace and event query
// endpoints. Drop selects the workspace (name or id, empty = default).
type Query struct {
	Drop       string                `json:"drop,omitempty"`
	Q          string                `json:"q,omitempty"`
	Where      map[string]any        `json:"where,omitempty"`
	Range      map[string]RangeBound `json:"range,omitempty"`
	Attributes []AttrPredicate       `json:"attributes,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
	Offset     int                   `json:"offset,omitempty"`
	Order      string                `json:"order,omitempty"`
}

// Clamp normalizes limit, offset and order in place.
func (q *Query) Clamp() {
	if q.Limit < 1 {
		q.Limit = QueryDefaultLimit
	}
	if q.Limit > QueryMaxLimit {
		q.Limit = QueryMaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Order != "asc" {
		q.Order = "desc"
	}
}

// TraceDetail is the drill-down response for one trace id: its spans ordered
// by start time and correlated wide events ordered by creation time.
type TraceDetail struct {
	Spans  []TraceSpan `json:"spans"`
	Events []WideEvent `json:"events"`
}
