// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/errs"
)

// epochMTime is the fixed timestamp written for every archive entry
// when PreserveMTime is false.
var epochMTime = time.Unix(0, 0).UTC()

// writeArchive walks root and writes every entry into tw. Absolute
// paths never occur (paths are always relative to root); symlinks
// whose target would resolve outside root, and any file that is
// neither a regular file, directory, nor symlink, are rejected.
func writeArchive(root string, tw *tar.Writer, preserveMTime bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := validateSymlinkTarget(root, path, target); err != nil {
				return err
			}
			hdr := &tar.Header{
				Name:     rel,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
				Mode:     int64(info.Mode().Perm()),
			}
			setHeaderTime(hdr, info, preserveMTime)
			return tw.WriteHeader(hdr)

		case info.IsDir():
			hdr := &tar.Header{
				Name:     rel + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
			}
			setHeaderTime(hdr, info, preserveMTime)
			return tw.WriteHeader(hdr)

		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Name:     rel,
				Typeflag: tar.TypeReg,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
			}
			setHeaderTime(hdr, info, preserveMTime)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err

		default:
			return errs.New(errs.InvalidArgument, "snapshot: entry %q is neither a regular file, directory, nor symlink", rel)
		}
	})
}

func setHeaderTime(hdr *tar.Header, info fs.FileInfo, preserveMTime bool) {
	if preserveMTime {
		hdr.ModTime = info.ModTime()
	} else {
		hdr.ModTime = epochMTime
	}
}

// validateSymlinkTarget rejects a symlink whose resolved target
// escapes root, whether the link text is absolute or relative.
func validateSymlinkTarget(root, linkPath, target string) error {
	var resolved string
	if filepath.IsAbs(target) {
		resolved = target
	} else {
		resolved = filepath.Join(filepath.Dir(linkPath), target)
	}
	resolved = filepath.Clean(resolved)
	rootClean := filepath.Clean(root)
	if resolved != rootClean && !strings.HasPrefix(resolved, rootClean+string(filepath.Separator)) {
		return errs.New(errs.InvalidArgument, "snapshot: symlink %q escapes workspace", linkPath)
	}
	return nil
}

// extractArchive extracts every entry in tr into destRoot. Every
// entry's resolved destination path is validated to remain within
// destRoot; absolute paths, `..` segments, and disallowed types are
// rejected with InvalidArgument, aborting the extraction.
func extractArchive(tr *tar.Reader, destRoot string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Fatal, err, "snapshot: reading archive entry")
		}

		target, err := resolveEntryPath(destRoot, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return errs.Wrap(errs.Fatal, err, "snapshot: creating directory %s", hdr.Name)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return errs.Wrap(errs.Fatal, err, "snapshot: creating parent for %s", hdr.Name)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return errs.Wrap(errs.Fatal, err, "snapshot: creating file %s", hdr.Name)
			}
			_, err = io.Copy(f, tr)
			closeErr := f.Close()
			if err != nil {
				return errs.Wrap(errs.Fatal, err, "snapshot: writing file %s", hdr.Name)
			}
			if closeErr != nil {
				return errs.Wrap(errs.Fatal, closeErr, "snapshot: closing file %s", hdr.Name)
			}

		case tar.TypeSymlink:
			if err := validateSymlinkTarget(destRoot, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return errs.Wrap(errs.Fatal, err, "snapshot: creating parent for %s", hdr.Name)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errs.Wrap(errs.Fatal, err, "snapshot: creating symlink %s", hdr.Name)
			}

		default:
			return errs.New(errs.InvalidArgument, "snapshot: archive entry %q has disallowed type", hdr.Name)
		}
	}
}

// resolveEntryPath rejects absolute paths and traversal segments,
// returning the validated destination path for a tar entry name.
func resolveEntryPath(destRoot, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errs.New(errs.InvalidArgument, "snapshot: archive entry %q is an absolute path", name)
	}
	cleanName := filepath.Clean(name)
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.InvalidArgument, "snapshot: archive entry %q escapes workspace", name)
	}
	target := filepath.Join(destRoot, cleanName)
	rootClean := filepath.Clean(destRoot)
	if target != rootClean && !strings.HasPrefix(target, rootClean+string(filepath.Separator)) {
		return "", errs.New(errs.InvalidArgument, "snapshot: archive entry %q escapes workspace", name)
	}
	return target, nil
}
