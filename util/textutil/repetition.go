package textutil

// HasRepetition reports whether s contains some substring repeated n times back to back.
// Lengths are measured in runes. A run of n copies of a pattern of length l is the same
// as (n-1)*l consecutive positions i where s[i] == s[i+l].
func HasRepetition(s string, n int) bool {
	if n < 1 {
		return false
	}
	runes := []rune(s)
	if n == 1 {
		return len(runes) > 0
	}
	for l := 1; l*n <= len(runes); l++ {
		need := (n - 1) * l
		run := 0
		for i := 0; i+l < len(runes); i++ {
			if runes[i] != runes[i+l] {
				run = 0
				continue
			}
			run++
			if run >= need {
				return true
			}
		}
	}
	return false
}
