package internal

// JumpHash maps a key hash onto one of numBuckets buckets so that
// growing the bucket count relocates only ~1/numBuckets of the keys.
// Implements Google's Jump consistent hash (arxiv.org/abs/1406.2294);
// the loop is the reference translation from github.com/dgryski/go-jump.
func JumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}

	var b int64 = -1
	var j int64

	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}

	return int(b)
}
