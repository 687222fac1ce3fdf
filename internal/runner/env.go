package runner

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseEnvFile reads KEY=VALUE lines. Blank lines, comments and lines
// without "=" are skipped; an "export " prefix and matching quotes are
// stripped.
func ParseEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reading env file %s", path)
	}
	var envVars []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eqIdx := strings.IndexByte(s, '=')
		if eqIdx <= 0 {
			continue
		}
		key := strings.TrimSpace(s[:eqIdx])
		val := stripQuotes(strings.TrimSpace(s[eqIdx+1:]))
		envVars = append(envVars, key+"="+val)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "scanning env file %s", path)
	}
	return envVars, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
