// Package sketchfs persists processed sketches as files so they can be
// served after the in-memory copy has been taken.
package sketchfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tinytelemetry/thousand/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
	filePrefix      = "thousand-sketch"
)

// ErrNotFound is returned by Open when nothing was persisted for an id.
var ErrNotFound = errors.New("sketchfs: sketch not found")

// PersistenceError reports a failed write of a sketch file.
type PersistenceError struct {
	ID  int
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sketchfs: persist sketch %d: %v", e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Dir stores one file per container id under a root directory.
type Dir struct {
	root string

	placeholderOnce sync.Once
	placeholder     []byte
	placeholderErr  error
}

// Open prepares root for use. An empty root selects os.TempDir().
func Open(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, defaultDirMode); err != nil {
		return nil, fmt.Errorf("sketchfs: mkdir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory sketches are written to.
func (d *Dir) Root() string { return d.root }

// Path returns the file path used for id.
func (d *Dir) Path(id int) string {
	return filepath.Join(d.root, fmt.Sprintf("%s%d.png", filePrefix, id))
}

// Persist writes buf as the file for id. The write goes through a temp
// file and a rename so readers never see a partial image.
func (d *Dir) Persist(ctx context.Context, id int, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{ID: id, Err: err}
	}
	if err := d.writeAtomic(d.Path(id), buf); err != nil {
		return &PersistenceError{ID: id, Err: err}
	}
	return nil
}

// OpenSketch streams the persisted file for id.
func (d *Dir) OpenSketch(id int) (io.ReadCloser, error) {
	f, err := os.Open(d.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sketchfs: open sketch %d: %w", id, err)
	}
	return f, nil
}

// Censor replaces the persisted file for id with the placeholder image.
func (d *Dir) Censor(id int) error {
	img, err := d.placeholderPNG()
	if err != nil {
		return err
	}
	if err := d.writeAtomic(d.Path(id), img); err != nil {
		return fmt.Errorf("sketchfs: censor sketch %d: %w", id, err)
	}
	return nil
}

func (d *Dir) writeAtomic(path string, buf []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, defaultFileMode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (d *Dir) placeholderPNG() ([]byte, error) {
	d.placeholderOnce.Do(func() {
		d.placeholder, d.placeholderErr = renderPlaceholder(model.DefaultMaxWidth, model.DefaultMaxHeight)
	})
	return d.placeholder, d.placeholderErr
}

// renderPlaceholder draws a grey square crossed out in a darker grey.
func renderPlaceholder(w, h int) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	bg := color.NRGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}
	fg := color.NRGBA{R: 0x55, G: 0x55, B: 0x55, A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, bg)
		}
	}
	for i := 0; i < w && i < h; i++ {
		for t := -2; t <= 2; t++ {
			img.SetNRGBA(i+t, i, fg)
			img.SetNRGBA(w-1-i+t, i, fg)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("sketchfs: render placeholder: %w", err)
	}
	return buf.Bytes(), nil
}
