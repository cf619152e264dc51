package stitch

// Reorder converts between zigzag capture order and row-major order. Row r,
// column c takes source index r*gridX+c on even rows and r*gridX+(gridX-1-c)
// on odd rows. Applying it twice returns the original sequence.
func Reorder[T any](tiles []T, gridX, gridY int) []T {
	out := make([]T, len(tiles))
	for r := 0; r < gridY; r++ {
		for c := 0; c < gridX; c++ {
			src := r*gridX + c
			if r%2 == 1 {
				src = r*gridX + (gridX - 1 - c)
			}
			out[r*gridX+c] = tiles[src]
		}
	}
	return out
}
