package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	written, total int64
}

func collect(t *testing.T, r io.Reader, offset, total, interval int64, chunk int) []report {
	t.Helper()

	var reports []report

	pr := NewReader(r, offset, total, interval, func(written, total int64) {
		reports = append(reports, report{written, total})
	})

	buf := make([]byte, chunk)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	return reports
}

func TestReader_ReportsEveryFivePercent(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)

	reports := collect(t, bytes.NewReader(data), 0, 100, 0, 1)

	require.Len(t, reports, 20)
	assert.Equal(t, report{5, 100}, reports[0])
	assert.Equal(t, report{100, 100}, reports[19])
}

func TestReader_ReportsByInterval(t *testing.T) {
	reports := collect(t, strings.NewReader(strings.Repeat("y", 10)), 0, 0, 4, 2)

	assert.Equal(t, []report{{4, 0}, {8, 0}, {10, 0}}, reports)
}

func TestReader_StartsAtOffset(t *testing.T) {
	reports := collect(t, strings.NewReader(strings.Repeat("z", 50)), 50, 100, 0, 50)

	assert.Equal(t, []report{{100, 100}}, reports)
}

func TestReader_EmptyBodyDoesNotReport(t *testing.T) {
	assert.Empty(t, collect(t, strings.NewReader(""), 0, 0, 1, 8))
}

func TestReader_Written(t *testing.T) {
	pr := NewReader(strings.NewReader("abcdef"), 10, 16, 0, nil)

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(16), pr.Written())
}
