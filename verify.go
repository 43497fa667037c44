package arcx

// DefaultVerifyLimit is the size above which password verification stops decoding entry data and accepts the
// password optimistically. 50 MiB keeps the check well under a second on ordinary hardware.
const DefaultVerifyLimit int64 = 50 << 20

// smallestFile returns the index of the smallest non-directory entry, keeping the first on ties so the choice
// follows container order, or -1 when there are no files at all.
func smallestFile(entries []Entry) int {
	best := -1
	for i, e := range entries {
		if e.IsDirectory {
			continue
		}
		if best < 0 || e.Size < entries[best].Size {
			best = i
		}
	}
	return best
}
