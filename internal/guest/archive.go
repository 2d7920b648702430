package guest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxArchiveEntrySize bounds a single extracted file (64 MiB) so a crafted
// archive cannot fill the scratch mount in one entry.
const maxArchiveEntrySize = 64 << 20

// extractArchive safely unpacks a tar.gz byte slice into dir. Each entry is
// validated against path traversal (zip-slip).
func extractArchive(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Clean(filepath.Join(absDir, hdr.Name))
		if target != absDir && !strings.HasPrefix(target, absDir+string(filepath.Separator)) {
			return fmt.Errorf("tar entry %q escapes extraction directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", hdr.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, io.LimitReader(tr, maxArchiveEntrySize)); err != nil {
				f.Close()
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
			f.Close()
		default:
			// Symlinks and devices are dropped.
		}
	}
	return nil
}
