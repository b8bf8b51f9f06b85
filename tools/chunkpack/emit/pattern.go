package emit

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
)

// DefaultHashLength is the number of hex digits a hash placeholder expands
// to when no length is given.
const DefaultHashLength = 20

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var placeholderRe = regexp.MustCompile(`\[(name|ext|hash|chunkhash|contenthash)(?::(\d+))?\]`)

// Filename expands a pattern such as "[name].[chunkhash:8].js". All hash
// placeholders expand to the content hash of the file.
func Filename(pattern, name, ext, hash string) string {
	return placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		switch parts[1] {
		case "name":
			return name
		case "ext":
			return ext
		}
		n := DefaultHashLength
		if parts[2] != "" {
			if v, err := strconv.Atoi(parts[2]); err == nil && v > 0 {
				n = v
			}
		}
		if n > len(hash) {
			n = len(hash)
		}
		return hash[:n]
	})
}
