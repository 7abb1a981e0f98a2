package cube

import "lukechampine.com/blake3"

// contentHash returns the BLAKE3-256 digest of data, used both as the
// FROZEN/PIC content key (spec §3.2) and as the proof-of-work target hash
// (spec §4.1 step 5).
func contentHash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// leadingZeroBits counts leading zero bits in hash, interpreting it as a
// big-endian unsigned integer — the module-wide fix for spec §9 Open
// Question 4.
func leadingZeroBits(hash [32]byte) int {
	count := 0
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// Difficulty returns the number of leading zero bits of data's content
// hash — the admission score compared against a store's required
// difficulty (spec §4.1 step 5, §8 P5).
func Difficulty(data []byte) int {
	return leadingZeroBits(contentHash(data))
}
