package tor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/mtorrent/mtorrent/config"
	"github.com/mtorrent/mtorrent/path"
)

// writeOut streams the torrent's data into the storage directory.  It
// drives the download by requesting pieces through a Reader, so the
// engine fetches data at full speed rather than at the idle rate.
func (t *Torrent) writeOut(ctx context.Context) {
	name := path.Parse(t.Name)
	if !name.Safe() {
		t.Log.Printf("Unsafe name %v, not writing out", t.Name)
		return
	}

	if t.Files == nil {
		dest := filepath.Join(config.StorageDir,
			filepath.Join([]string(name)...))
		err := writeFile(ctx, t, dest, 0, t.Pieces.Length())
		if err != nil {
			t.Log.Printf("writeOut: %v", err)
		}
		return
	}

	dir := filepath.Join(config.StorageDir,
		filepath.Join([]string(name)...))
	for _, f := range t.Files {
		if f.Padding {
			continue
		}
		if !f.Path.Safe() {
			t.Log.Printf("Unsafe path %v, skipping", f.Path)
			continue
		}
		dest := filepath.Join(dir,
			filepath.Join([]string(f.Path)...))
		err := writeFile(ctx, t, dest, f.Offset, f.Length)
		if err != nil {
			t.Log.Printf("writeOut: %v", err)
			return
		}
	}
}

// writeFile copies one file's range of the torrent to disk.
func writeFile(ctx context.Context, t *Torrent, dest string,
	offset, length int64) error {
	err := os.MkdirAll(filepath.Dir(dest), 0700)
	if err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	r := t.NewReader(ctx, offset, length)
	_, err = io.Copy(f, r)
	r.Close()
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}
