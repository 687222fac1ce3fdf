// Package runs mints trial identities and locates the run directory a
// training job created for one.
package runs

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// globMeta are the characters filepath.Match treats specially.
const globMeta = `*?[]\`

// Minter hands out per-sweep unique trial identities of the form
// <prefix>_<seq>_<8 hex>.
type Minter struct {
	prefix string
	seq    atomic.Int64
}

// NewMinter validates prefix and returns a minter numbering from 1.
func NewMinter(prefix string) (*Minter, error) {
	if err := validatePart("identity prefix", prefix); err != nil {
		return nil, err
	}
	return &Minter{prefix: prefix}, nil
}

// StartAt makes the next identity carry sequence number n+1.
func (m *Minter) StartAt(n int64) {
	m.seq.Store(n)
}

// Next returns a fresh identity and its sequence number.
func (m *Minter) Next() (string, int64, error) {
	seq := m.seq.Add(1)
	id, err := uuid.NewV7()
	if err != nil {
		return "", 0, eris.Wrap(err, "runs: mint identity")
	}
	// The first 6 bytes of a v7 UUID are the millisecond timestamp; take the
	// random tail so identities minted in the same millisecond still differ.
	tail := hex.EncodeToString(id[12:16])
	return fmt.Sprintf("%s_%04d_%s", m.prefix, seq, tail), seq, nil
}

func validatePart(what, s string) error {
	if s == "" {
		return eris.Errorf("runs: %s is empty", what)
	}
	if strings.Contains(s, "__") {
		return eris.Errorf("runs: %s %q contains the separator %q", what, s, "__")
	}
	if strings.ContainsAny(s, globMeta+"/") {
		return eris.Errorf("runs: %s %q contains glob or path characters", what, s)
	}
	return nil
}

// escapeGlob quotes glob metacharacters in s.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(globMeta, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Pattern is the glob matching run directories of one trial.
func Pattern(prefix, identity string, seed int64) string {
	return fmt.Sprintf("%s__%s__%d__*", escapeGlob(prefix), escapeGlob(identity), seed)
}
