package protocol

// Calculate returns the XOR-fold of b. The checksum of an empty slice is 0.
func Calculate(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}

// Verify reports whether expected is the checksum of b.
func Verify(b []byte, expected byte) bool {
	return Calculate(b) == expected
}
