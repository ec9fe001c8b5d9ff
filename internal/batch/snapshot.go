package batch

// Snapshot is an immutable view of a batch at one instant.
type Snapshot struct {
	ID              ID     `json:"id"`
	Title           string `json:"title"`
	Status          Status `json:"status"`
	Percentage      int    `json:"percentage"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	BytesTotal      int64  `json:"bytes_total"`
}

// Observer receives status snapshots.
//
// Observers are registered and removed by identity, so implementations must be
// comparable (pointer receivers are the usual choice).
type Observer interface {
	OnUpdate(s Snapshot)
}

// percentage computes floor(downloaded*100/total) clamped to [0,100]. An unknown
// total reports 0 unless the batch already finished.
func percentage(status Status, downloaded, total int64) int {
	if status == StatusDownloaded {
		return 100
	}

	if total <= 0 || downloaded <= 0 {
		return 0
	}

	p := downloaded * 100 / total
	if p > 100 {
		p = 100
	}

	return int(p)
}
