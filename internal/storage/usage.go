package storage

// Usage is the capacity of the filesystem that holds a user root, in bytes.
type Usage struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
	// Percent is used space relative to what non-root users can have, as df
	// reports it.
	Percent int `json:"percent"`
}

func newUsage(total, free, avail uint64) Usage {
	u := Usage{Total: total, Available: avail}
	if total >= free {
		u.Used = total - free
	}
	if d := u.Used + avail; d > 0 {
		// df rounds up
		u.Percent = int((u.Used*100 + d - 1) / d)
	}
	return u
}
