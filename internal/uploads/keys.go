package uploads

import (
	"strconv"
	"strings"
)

// namespace prefixes the keys of one upload session. Calls without a
// session id share the empty namespace and key parts by file name alone.
func namespace(uploadID string) string {
	if uploadID == "" {
		return ""
	}
	return uploadID + "/"
}

func partKey(ns, fileName string, index int) string {
	return ns + fileName + ".part_" + strconv.Itoa(index)
}

func stagingKey(ns, fileName string) string {
	return "staging/" + ns + fileName
}

// validateFileName rejects names that could address keys outside the
// caller's namespace.
func validateFileName(name string) error {
	switch {
	case name == "":
		return invalid("file_name is required")
	case strings.ContainsAny(name, `/\`):
		return invalid("file_name must not contain path separators")
	case strings.Contains(name, ".."):
		return invalid("file_name must not contain ..")
	case strings.ContainsRune(name, 0):
		return invalid("file_name contains a NUL byte")
	}
	return nil
}
