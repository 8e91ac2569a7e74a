package book

import "fmt"

// PathHash is the stable 8-hex-digit name used for cache artifacts derived
// from a path (djb2 xor variant). Cheap and collision-tolerant: a collision
// only causes a cache rebuild, never wrong content.
func PathHash(p string) string {
	h := uint32(5381)
	for i := 0; i < len(p); i++ {
		h = ((h << 5) + h) ^ uint32(p[i])
	}
	return fmt.Sprintf("%08x", h)
}
