package collab

// DocumentMerge combines the stored document with an accepted incoming write.
type DocumentMerge interface {
	Merge(current, incoming string) string
}

// LastWriteWins replaces the whole document with the most recent write the
// server received. Concurrent writers can overwrite each other; clients keep
// the window small by debouncing their pushes.
type LastWriteWins struct{}

func (LastWriteWins) Merge(_, incoming string) string {
	return incoming
}
