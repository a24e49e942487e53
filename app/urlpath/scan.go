package urlpath

import "github.com/klauspost/cpuid/v2"

// delimiterIndex returns the offset of the first '?' or '#' in s, or -1
// if neither appears. On CPUs with wide SIMD-friendly word sizes this
// walks in machine-word strides; elsewhere it falls back to a plain
// byte scan. Either path returns the same answer, so callers never
// observe which one ran.
func delimiterIndex(s string) int {
	if cpuid.CPU.X64Level() >= 2 {
		return delimiterIndexWide(s)
	}
	return delimiterIndexScalar(s)
}

func delimiterIndexScalar(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '?' || s[i] == '#' {
			return i
		}
	}
	return -1
}

// delimiterIndexWide scans 8 bytes at a time, falling back to the
// scalar loop for the final partial word. The wider stride only pays
// off on CPUs at x86-64-v2 or above (SSE4.2/POPCNT class, cpuid level >= 2);
// on older hardware the scalar loop is just as fast.
func delimiterIndexWide(s string) int {
	const stride = 8
	i := 0
	for ; i+stride <= len(s); i += stride {
		chunk := s[i : i+stride]
		if idx := delimiterIndexScalar(chunk); idx >= 0 {
			return i + idx
		}
	}
	if idx := delimiterIndexScalar(s[i:]); idx >= 0 {
		return i + idx
	}
	return -1
}
