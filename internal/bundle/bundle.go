// Package bundle turns the paths given to "vanish send" into a single
// upload: one file is sent as is, anything else is zipped.
package bundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"
)

// Entry is a file to be archived under Name, a slash-separated path.
type Entry struct {
	Path string
	Name string
	Size int64
}

// Bundle is what gets uploaded.
type Bundle struct {
	Name     string
	Size     int64
	MimeType string
	Entries  []Entry

	open func() (io.ReadCloser, error)
}

// Open returns a reader over the bundle's bytes.
func (b *Bundle) Open() (io.ReadCloser, error) {
	return b.open()
}

// Build prepares sources for upload. A single regular file is uploaded
// unchanged; a directory becomes <dir>.zip; several paths are zipped under
// a timestamped root.
func Build(sources []Source, now time.Time) (*Bundle, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	if len(sources) == 1 && !sources[0].Dir {
		return single(sources[0].Path)
	}

	root := ""
	name := filepath.Base(sources[0].Path) + ".zip"
	if len(sources) > 1 {
		root = "upload_" + now.Format("2006_01_02_150405")
		name = root + ".zip"
	}

	entries, err := Collect(sources, root)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("nothing to send: directories are empty")
	}

	data, err := Zip(entries)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: "application/zip",
		Entries:  entries,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}, nil
}

func single(p string) (*Bundle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	name := filepath.Base(p)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &Bundle{
		Name:     name,
		Size:     info.Size(),
		MimeType: mimeType,
		Entries:  []Entry{{Path: p, Name: name, Size: info.Size()}},
		open: func() (io.ReadCloser, error) {
			return os.Open(p)
		},
	}, nil
}

// Collect lists the regular files under sources, named relative to root.
// Directories contribute their own base name as a path prefix.
func Collect(sources []Source, root string) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]string)

	add := func(diskPath, name string, size int64) error {
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%s and %s would both be stored as %s", prev, diskPath, name)
		}
		seen[name] = diskPath
		entries = append(entries, Entry{Path: diskPath, Name: name, Size: size})
		return nil
	}

	for _, src := range sources {
		base := filepath.Base(src.Path)
		if !src.Dir {
			info, err := os.Stat(src.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", src.Path, err)
			}
			if err := add(src.Path, path.Join(root, base), info.Size()); err != nil {
				return nil, err
			}
			continue
		}

		err := filepath.WalkDir(src.Path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(src.Path, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return add(p, path.Join(root, base, filepath.ToSlash(rel)), info.Size())
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", src.Path, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Zip writes entries into an in-memory archive.
func Zip(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)

	for _, entry := range entries {
		if err := addFileToZip(zipWriter, entry); err != nil {
			zipWriter.Close()
			return nil, err
		}
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func addFileToZip(zw *zip.Writer, entry Entry) error {
	file, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = entry.Name
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}
	return nil
}
