package flush

const bytesPerMB = 1 << 20

var pow10 = [...]uint64{1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000}

// ToMB converts bytes to megabytes (2^20 bytes) rounded half up to precision
// decimal places. Rounding happens in integer arithmetic; precision is
// clamped to 0..8.
func ToMB(bytes uint64, precision int) float64 {
	precision = max(0, min(precision, len(pow10)-1))
	scale := pow10[precision]

	whole, rem := bytes/bytesPerMB, bytes%bytesPerMB
	frac := (rem*scale + bytesPerMB/2) / bytesPerMB
	return float64(whole) + float64(frac)/float64(scale)
}
