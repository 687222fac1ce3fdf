package tbevent

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// FilePattern matches TensorBoard event files inside a run directory.
const FilePattern = "events.out.tfevents.*"

// ErrNoEventFiles means a run directory holds no event files.
var ErrNoEventFiles = eris.New("no event files")

// Accumulator loads the scalar series of every event file in Dir.
type Accumulator struct {
	Dir string

	scalars map[string][]ScalarEvent
}

// Reload parses every event file in Dir. Files are read concurrently and
// merged in file name order, which is also creation order.
func (a *Accumulator) Reload(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(a.Dir, FilePattern))
	if err != nil {
		return eris.Wrapf(err, "tbevent: glob %s", a.Dir)
	}
	var paths []string
	for _, f := range files {
		if fi, err := os.Stat(f); err == nil && fi.Mode().IsRegular() {
			paths = append(paths, f)
		}
	}
	if len(paths) == 0 {
		return eris.Wrapf(ErrNoEventFiles, "tbevent: %s", a.Dir)
	}
	sort.Strings(paths)

	perFile := make([][]taggedScalar, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			scalars, err := readFile(ctx, p)
			if err != nil {
				return err
			}
			perFile[i] = scalars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := make(map[string][]ScalarEvent)
	for _, scalars := range perFile {
		for _, s := range scalars {
			merged[s.Tag] = append(merged[s.Tag], s.ScalarEvent)
		}
	}
	a.scalars = merged
	return nil
}

// Tags returns the scalar tag names in sorted order.
func (a *Accumulator) Tags() []string {
	tags := make([]string, 0, len(a.scalars))
	for t := range a.scalars {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Scalars returns the samples of tag in recorded order.
func (a *Accumulator) Scalars(tag string) ([]ScalarEvent, bool) {
	s, ok := a.scalars[tag]
	return s, ok
}

func readFile(ctx context.Context, path string) ([]taggedScalar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tbevent: open %s", path)
	}
	defer f.Close()

	var out []taggedScalar
	rr := newRecordReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := rr.next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "tbevent: read %s", filepath.Base(path))
		}
		scalars, err := decodeEvent(data)
		if err != nil {
			return nil, eris.Wrapf(err, "tbevent: %s", filepath.Base(path))
		}
		out = append(out, scalars...)
	}
}
