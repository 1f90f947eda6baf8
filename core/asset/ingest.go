package asset

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IsAudio reports whether a file is in a format the decoders can read, by
// extension first and content type second.
func IsAudio(name, contentType string) bool {
	return guessCodec(name, contentType) != ""
}

// CollectAudioFiles flattens files and nested directories into a sorted list
// of audio files. Hidden files and non-audio files are skipped.
func CollectAudioFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if IsAudio(root, "") {
				add(root)
			}
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") && p != root {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && IsAudio(p, "") {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(out)
	return out, nil
}

// Truncate splits n incoming files against the remaining capacity.
// capacity <= 0 means unbounded.
func Truncate(n, loaded, capacity int) (accepted, rejected int) {
	if n <= 0 {
		return 0, 0
	}
	if capacity <= 0 {
		return n, 0
	}
	room := capacity - loaded
	if room < 0 {
		room = 0
	}
	if n <= room {
		return n, 0
	}
	return room, n - room
}
