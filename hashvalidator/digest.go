package hashvalidator

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
)

// MismatchError reports a computed digest that differs from the received one.
type MismatchError struct {
	Computed string
	Received string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: computed=%s received=%s", e.Computed, e.Received)
}

// ParseHashes splits a digest string such as "crc32c=AAAAAA==,md5=..." into its parts. Entries are separated by
// commas; keys are case-insensitive. Values keep their base64 padding.
func ParseHashes(s string) map[Algorithm]string {
	hashes := map[Algorithm]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		hashes[Algorithm(strings.ToLower(strings.TrimSpace(key)))] = strings.TrimSpace(value)
	}
	return hashes
}

// FormatHashes renders hashes in the canonical order. Known algorithms come first (crc32c, md5, sha256),
// then any other keys sorted by name.
func FormatHashes(hashes map[Algorithm]string) string {
	var parts []string
	known := map[Algorithm]bool{}
	for _, alg := range order {
		known[alg] = true
		if v, ok := hashes[alg]; ok && v != "" {
			parts = append(parts, string(alg)+"="+v)
		}
	}

	var rest []string
	for alg, v := range hashes {
		if !known[alg] && v != "" {
			rest = append(rest, string(alg)+"="+v)
		}
	}
	sort.Strings(rest)

	return strings.Join(append(parts, rest...), ",")
}

func validate(computed, received string) error {
	if computed == "" || received == "" {
		return nil
	}

	want := ParseHashes(received)
	got := ParseHashes(computed)
	for _, alg := range order {
		c, ok := got[alg]
		if !ok {
			continue
		}
		r, ok := want[alg]
		if !ok || r == "" {
			continue
		}
		if c != r {
			mismatch := &MismatchError{Computed: computed, Received: received}
			return status.Wrap(codes.DataLoss, mismatch, "%s", mismatch.Error())
		}
	}
	return nil
}
