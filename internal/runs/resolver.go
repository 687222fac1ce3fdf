package runs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrRunNotFound means no run directory matched a trial's identity and seed.
var ErrRunNotFound = eris.New("run directory not found")

// Location is a resolved run directory.
type Location struct {
	Path string
	// Matches lists every matching directory, oldest first.
	Matches []string
}

// Ambiguous reports whether more than one directory matched.
func (l *Location) Ambiguous() bool { return len(l.Matches) > 1 }

// Resolver finds run directories named <prefix>__<identity>__<seed>__<suffix>
// under Dir.
type Resolver struct {
	Dir    string
	Prefix string
}

// NewResolver validates the run prefix.
func NewResolver(dir, prefix string) (*Resolver, error) {
	if dir == "" {
		return nil, eris.New("runs: runs dir is empty")
	}
	if err := validatePart("run prefix", prefix); err != nil {
		return nil, err
	}
	return &Resolver{Dir: dir, Prefix: prefix}, nil
}

// Resolve returns the run directory of a finished trial. When several match,
// the most recent one wins: suffixes that parse as integers (unix timestamps)
// are compared numerically, otherwise lexicographically.
func (r *Resolver) Resolve(identity string, seed int64) (*Location, error) {
	pattern := Pattern(r.Prefix, identity, seed)
	entries, err := os.ReadDir(r.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(err, "runs: read %s", r.Dir)
	}

	// Only base names are matched, so metacharacters in Dir are literal.
	var dirs []string
	for _, e := range entries {
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "runs: match %s", pattern)
		}
		if !ok {
			continue
		}
		p := filepath.Join(r.Dir, e.Name())
		if fi, err := os.Stat(p); err != nil || !fi.IsDir() {
			continue
		}
		dirs = append(dirs, p)
	}
	if len(dirs) == 0 {
		return nil, eris.Wrapf(ErrRunNotFound, "runs: %s", filepath.Join(r.Dir, pattern))
	}

	sortBySuffix(dirs)
	return &Location{Path: dirs[len(dirs)-1], Matches: dirs}, nil
}

func sortBySuffix(dirs []string) {
	suffix := func(p string) string {
		base := filepath.Base(p)
		return base[strings.LastIndex(base, "__")+2:]
	}
	nums := make(map[string]int64, len(dirs))
	numeric := true
	for _, d := range dirs {
		n, err := strconv.ParseInt(suffix(d), 10, 64)
		if err != nil {
			numeric = false
			break
		}
		nums[d] = n
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		if numeric && nums[dirs[i]] != nums[dirs[j]] {
			return nums[dirs[i]] < nums[dirs[j]]
		}
		return dirs[i] < dirs[j]
	})
}
