package slave

import (
	"encoding/json"
	"regexp"
)

// The runner prints its output-archive hash inside a tagged JSON block
// on stdout and announces the leaked temp directory with a warning on
// stderr. These two textual contracts are the whole integration with
// the runner binary.
var (
	outHackRe   = regexp.MustCompile(`(?s)\[run_isolated_out_hack\](.+?)\[/run_isolated_out_hack\]`)
	leakedDirRe = regexp.MustCompile(`WARNING +\d+ +run_isolated.*: Deliberately leaking (.*) for later examination`)
)

// ParseOutputArchiveHash extracts the output-archive hash from the
// runner's stdout. Empty when the block is absent or malformed.
func ParseOutputArchiveHash(stdout []byte) string {
	m := outHackRe.FindSubmatch(stdout)
	if m == nil {
		return ""
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(m[1], &out); err != nil {
		return ""
	}
	return out.Hash
}

// ParseLeakedDir extracts the leaked temp directory path from the
// runner's stderr. The runner may re-exec and leak more than once; the
// last match wins.
func ParseLeakedDir(stderr []byte) string {
	all := leakedDirRe.FindAllSubmatch(stderr, -1)
	if len(all) == 0 {
		return ""
	}
	return string(all[len(all)-1][1])
}
