package progress

import "io"

// Reader wraps an io.Reader and reports the running byte count through a
// callback. Counting starts at offset so resumed transfers report absolute
// positions. A report fires every interval bytes, when another 5% of total is
// crossed, and once at EOF.
type Reader struct {
	reader     io.Reader
	total      int64
	onProgress func(written int64, total int64)
	interval   int64

	written    int64
	sinceLast  int64
	reportedAt int64
	done       bool
}

func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		reader:     r,
		total:      total,
		onProgress: cb,
		interval:   interval,
		written:    offset,
		reportedAt: offset,
	}
}

// Written returns the absolute position reached so far.
func (pr *Reader) Written() int64 {
	return pr.written
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)

	if n > 0 {
		pr.written += int64(n)
		pr.sinceLast += int64(n)

		if pr.due() {
			pr.report()
		}
	}

	if err == io.EOF && !pr.done {
		pr.done = true

		if pr.written != pr.reportedAt {
			pr.report()
		}
	}

	return n, err
}

func (pr *Reader) due() bool {
	if pr.interval > 0 && pr.sinceLast >= pr.interval {
		return true
	}

	if pr.total <= 0 {
		return false
	}

	return pr.written*20/pr.total > pr.reportedAt*20/pr.total
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	pr.reportedAt = pr.written

	if pr.onProgress != nil {
		pr.onProgress(pr.written, pr.total)
	}
}
