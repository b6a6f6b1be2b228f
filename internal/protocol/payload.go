package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"github.com/Tyrowin/lanchat/internal/chaterr"
)

// validatePayload checks the base64 body of a file or image envelope and
// replaces it with its whitespace-free form. A size mismatch against the
// declared filesize only annotates the envelope.
func validatePayload(env *Envelope) error {
	clean := stripSpace(env.Filedata)
	if clean == "" {
		return chaterr.Newf(chaterr.CodeMalformedPayload, "%s envelope has no filedata", env.Type)
	}
	if len(clean)%4 != 0 {
		return chaterr.Newf(chaterr.CodeMalformedPayload,
			"base64 payload length %d is not a multiple of 4", len(clean))
	}
	for i, r := range clean {
		if !isBase64Char(r) {
			return chaterr.Newf(chaterr.CodeMalformedPayload,
				"base64 payload has invalid character %q at offset %d", r, i)
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return chaterr.Newf(chaterr.CodeMalformedPayload, "base64 payload does not decode: %v", err)
	}

	env.Filedata = clean
	if env.Filesize > 0 && int64(len(decoded)) != env.Filesize {
		env.Warning = fmt.Sprintf("declared filesize %d does not match decoded size %d", env.Filesize, len(decoded))
	}
	return nil
}

func stripSpace(s string) string {
	if strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isBase64Char(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '+', r == '/', r == '=':
		return true
	}
	return false
}
