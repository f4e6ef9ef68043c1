package uploads

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// checksum is the lowercase hex MD5 of the assembled encoded text, the
// value clients compute before splitting their data URI.
func checksum(encoded string) string {
	sum := md5.Sum([]byte(encoded))
	return hex.EncodeToString(sum[:])
}

// decodeDataURI decodes the base64 text after the last comma. The media type
// of a "data:<type>;base64," header is returned when present.
func decodeDataURI(encoded string) ([]byte, string, error) {
	header, body := "", encoded
	if i := strings.LastIndexByte(encoded, ','); i >= 0 {
		header, body = encoded[:i], encoded[i+1:]
	}

	body = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, body)

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, mediaType(header), nil
}

func mediaType(header string) string {
	rest, ok := strings.CutPrefix(header, "data:")
	if !ok {
		return ""
	}
	mt, _, _ := strings.Cut(rest, ";")
	if mt == "" {
		return ""
	}
	if _, _, err := mime.ParseMediaType(mt); err != nil {
		return ""
	}
	return mt
}

// contentType prefers the declared media type and falls back to sniffing.
func contentType(declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	return http.DetectContentType(data)
}
