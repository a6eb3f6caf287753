package core

// Fragment is one incremental piece of a streaming model response. Fragments
// of a single response carry monotonically increasing sequence positions
// starting at 1; the final assistant content is the order-preserving
// concatenation of their deltas.
type Fragment struct {
	Seq   int    `json:"seq"`   // 1-based position within the response
	Delta string `json:"delta"` // Content delta for this position
}
