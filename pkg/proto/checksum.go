package proto

import "github.com/spaolacci/murmur3"

// Checksum returns the murmur3 x86_32 hash (seed 0) carried in fragment headers.
//
// The streaming digest indexes the slice directly; murmur3.Sum32 walks it with
// uintptr arithmetic that fails under -race checkptr instrumentation.
func Checksum(data []byte) uint32 {
	h := murmur3.New32()
	_, _ = h.Write(data)
	return h.Sum32()
}
