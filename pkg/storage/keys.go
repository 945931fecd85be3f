package storage

import (
	"path"
	"strings"
)

// ContentKey returns attachments/<hash[:2]>/<hash>/<blobID>-<name>. Two uploads
// of the same digest never share a key.
func ContentKey(contentHash, blobID, filename string) string {
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	shard := contentHash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	name := SanitizeFilename(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if strings.Trim(name, ".") == "" {
		name = "file"
	}
	return path.Join("attachments", shard, contentHash, blobID+"-"+name)
}

// SanitizeFilename keeps ASCII letters, digits, '.', '-' and '_', collapsing
// every other run of characters into a single underscore.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
