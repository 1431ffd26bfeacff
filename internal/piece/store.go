package piece

import (
	"os"
	"path/filepath"

	"github.com/pcswarm/pcswarm/internal/metainfo"
)

// readSpan reads the byte range [streamOff, streamOff+len(p)) of the
// virtual concatenated torrent stream into p, splitting the read across
// whichever file regions it overlaps.
func readSpan(baseDir string, layout []metainfo.Region, p []byte, streamOff int64) error {
	if len(p) == 0 {
		return nil
	}
	end := streamOff + int64(len(p))

	for _, r := range layout {
		if end <= r.Offset {
			break
		}
		if streamOff >= r.Offset+r.Length {
			continue
		}

		start := max64(streamOff, r.Offset)
		stop := min64(end, r.Offset+r.Length)
		n := stop - start
		if n <= 0 {
			continue
		}

		f, err := os.Open(filepath.Join(baseDir, r.Path))
		if err != nil {
			return err
		}
		_, err = f.ReadAt(p[start-streamOff:start-streamOff+n], start-r.Offset)
		f.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// writeSpan writes p into the virtual concatenated torrent stream starting
// at streamOff, splitting the write across whichever file regions it
// overlaps and creating directories/files as needed.
func writeSpan(baseDir string, layout []metainfo.Region, p []byte, streamOff int64) error {
	if len(p) == 0 {
		return nil
	}
	end := streamOff + int64(len(p))

	for _, r := range layout {
		if end <= r.Offset {
			break
		}
		if streamOff >= r.Offset+r.Length {
			continue
		}

		start := max64(streamOff, r.Offset)
		stop := min64(end, r.Offset+r.Length)
		n := stop - start
		if n <= 0 {
			continue
		}

		full := filepath.Join(baseDir, r.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		_, err = f.WriteAt(p[start-streamOff:start-streamOff+n], start-r.Offset)
		cerr := f.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
	}

	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
