package domain

// GenerationRange is one heap segment reported at the start of a collection
type GenerationRange struct {
	Generation int
	Start      uint64
	Length     uint64
}

// End returns the exclusive upper address of the range
func (r GenerationRange) End() uint64 {
	end := r.Start + r.Length
	if end < r.Start {
		return ^uint64(0)
	}
	return end
}
