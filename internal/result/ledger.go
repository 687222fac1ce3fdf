package result

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/signalnine/sweep/internal/model"
)

// Ledger is an append-only JSONL file of completed trials. Every record is a
// flat object: candidate keys, "metric", "cost" and optional "_trial".
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger returns a ledger at path, creating its directory.
func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "creating ledger dir for %s", path)
	}
	return &Ledger{path: path}, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append durably adds one record. The record goes out in a single write and
// is synced before Append returns. A torn last line from an earlier crash is
// terminated first so it cannot swallow this record.
func (l *Ledger) Append(e Entry) error {
	line, err := MarshalEntry(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrapf(err, "opening ledger %s", l.path)
	}
	defer f.Close()

	torn, err := lacksTrailingNewline(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+2)
	if torn {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return eris.Wrapf(err, "writing ledger %s", l.path)
	}
	if err := f.Sync(); err != nil {
		return eris.Wrapf(err, "syncing ledger %s", l.path)
	}
	return nil
}

func lacksTrailingNewline(f *os.File) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, eris.Wrap(err, "stat ledger")
	}
	if fi.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return false, eris.Wrap(err, "reading ledger tail")
	}
	return last[0] != '\n', nil
}

// MarshalEntry renders an entry as one JSON line without the newline.
func MarshalEntry(e Entry) ([]byte, error) {
	if err := e.Candidate.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(e.Metric) || math.IsInf(e.Metric, 0) {
		return nil, eris.Errorf("ledger: metric %v is not finite", e.Metric)
	}
	if !(e.Cost > 0) || math.IsInf(e.Cost, 0) {
		return nil, eris.Errorf("ledger: cost %v must be positive", e.Cost)
	}

	rec := make(map[string]any, len(e.Candidate)+3)
	for k, v := range e.Candidate {
		rec[k] = v
	}
	rec[model.KeyMetric] = e.Metric
	rec[model.KeyCost] = e.Cost
	if e.Trial != nil {
		rec[TrialKey] = e.Trial
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: marshal record")
	}
	return line, nil
}

// UnmarshalEntry parses one ledger line. Numbers come back as float64
// whatever their JSON spelling, so 1 and 1.0 are the same value.
func UnmarshalEntry(line []byte) (Entry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, eris.Wrap(err, "ledger: parse record")
	}

	e := Entry{Candidate: model.Candidate{}, Cost: model.DefaultCost}
	metric, ok := raw[model.KeyMetric]
	if !ok {
		return Entry{}, eris.New("ledger: record has no metric")
	}
	m, err := decodeNumber(metric)
	if err != nil {
		return Entry{}, eris.Wrap(err, "ledger: metric")
	}
	e.Metric = m
	if c, ok := raw[model.KeyCost]; ok {
		if e.Cost, err = decodeNumber(c); err != nil {
			return Entry{}, eris.Wrap(err, "ledger: cost")
		}
	}
	if t, ok := raw[TrialKey]; ok {
		var info TrialInfo
		if err := json.Unmarshal(t, &info); err != nil {
			return Entry{}, eris.Wrap(err, "ledger: _trial")
		}
		e.Trial = &info
	}

	for k, v := range raw {
		if model.IsReservedKey(k) {
			continue
		}
		val, err := decodeScalar(v)
		if err != nil {
			return Entry{}, eris.Wrapf(err, "ledger: key %s", k)
		}
		e.Candidate[k] = val
	}
	return e, nil
}

func decodeNumber(b []byte) (float64, error) {
	v, err := decodeScalar(b)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, eris.Errorf("ledger: %s is not a number", b)
	}
	return f, nil
}

func decodeScalar(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrap(err, "ledger: decode value")
	}
	return model.NormalizeValue(v)
}

// Contents is the parsed ledger.
type Contents struct {
	Entries []Entry
	// Skipped counts lines that could not be parsed.
	Skipped int
}

// ReadLedger parses every record of the ledger at path. A missing file is an
// empty ledger; malformed lines are skipped and counted.
func ReadLedger(path string) (*Contents, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Contents{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "opening ledger %s", path)
	}
	defer f.Close()
	return readEntries(f)
}

func readEntries(r io.Reader) (*Contents, error) {
	out := &Contents{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := UnmarshalEntry(line)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "reading ledger")
	}
	return out, nil
}
