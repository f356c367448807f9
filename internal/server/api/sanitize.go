package api

import (
	"fmt"
	"strings"
)

// forbiddenFragments are rejected in any non-exempt request field. File
// content and the base64 file_path field are exempt; everything else has no
// business containing quoting or wildcard characters.
var forbiddenFragments = []string{`'`, `"`, `;`, `\`, `--`, `*`, `%`}

// sanitizeFields rejects values containing a forbidden fragment. The map is
// field name -> value, so the error names the offender.
func sanitizeFields(fields map[string]string) error {
	for name, value := range fields {
		for _, frag := range forbiddenFragments {
			if strings.Contains(value, frag) {
				return fmt.Errorf("field %s contains forbidden sequence %q", name, frag)
			}
		}
	}
	return nil
}
