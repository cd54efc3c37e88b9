package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	semerr "github.com/semindex/semindex/internal/errors"
)

// maxArchiveFileSize caps a single extracted file to keep a hostile
// archive from filling the disk.
const maxArchiveFileSize = 512 * 1024 * 1024

// fetchArchive extracts a zip or tar archive into a scratch directory.
func (f *Fetcher) fetchArchive(cfg RepoConfig) (*Result, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, semerr.NewFetchError(semerr.FetchNotFound, cfg.Path, err)
	}

	dest, err := os.MkdirTemp(f.scratch(), "semindex-archive-*")
	if err != nil {
		return nil, semerr.NewFetchError(semerr.FetchCorrupt, cfg.Path, err)
	}
	f.created = append(f.created, dest)

	res := &Result{WorkingPath: dest, Created: true}

	switch {
	case strings.HasSuffix(cfg.Path, ".zip"):
		err = extractZip(cfg.Path, dest)
	case strings.HasSuffix(cfg.Path, ".tar"),
		strings.HasSuffix(cfg.Path, ".tar.gz"),
		strings.HasSuffix(cfg.Path, ".tgz"):
		err = extractTar(cfg.Path, dest)
	default:
		err = fmt.Errorf("unsupported archive format: %s", filepath.Ext(cfg.Path))
	}
	if err != nil {
		return res, semerr.NewFetchError(semerr.FetchCorrupt, cfg.Path, err)
	}

	res.WorkingPath = resolveWorkingSubdir(dest)

	treeHash, err := hashTree(res.WorkingPath)
	if err != nil {
		return res, semerr.NewFetchError(semerr.FetchCorrupt, cfg.Path, err)
	}

	abs, _ := filepath.Abs(cfg.Path)
	res.RepositoryID = identityHash(abs, treeHash)
	return res, nil
}

func extractZip(archivePath, dest string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open %s in zip: %w", file.Name, err)
		}
		err = writeExtracted(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(archivePath, dest string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open tar: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(archivePath, ".gz") || strings.HasSuffix(archivePath, ".tgz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeExtracted(target, tr); err != nil {
				return err
			}
		}
		// Symlinks and special files are skipped.
	}
}

// safeJoin joins name under dest and rejects path traversal.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeExtracted(target string, r io.Reader) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, io.LimitReader(r, maxArchiveFileSize))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}
