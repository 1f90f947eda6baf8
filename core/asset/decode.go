package asset

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

type decoder func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

var decoders = map[string]decoder{
	"mp3": func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return mp3.Decode(r) },
	"wav": func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(r) },
	"ogg": func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return vorbis.Decode(r) },
	"flac": func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
		return flac.Decode(r)
	},
}

// memFile keeps the reader seekable so decoders can report length and seek.
type memFile struct{ *bytes.Reader }

func (memFile) Close() error { return nil }

// 尝试顺序：先按扩展名/类型猜，失败后逐个尝试
var decodeOrder = []string{"mp3", "wav", "ogg", "flac"}

func guessCodec(name, contentType string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return "mp3"
	case ".wav", ".wave":
		return "wav"
	case ".ogg", ".oga":
		return "ogg"
	case ".flac":
		return "flac"
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "opus"):
		// ogg 容器里的 opus，vorbis 解码器读不了
		return ""

	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return "mp3"
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "ogg"), strings.Contains(ct, "vorbis"):
		return "ogg"
	case strings.Contains(ct, "flac"):
		return "flac"
	}
	return ""
}

// Decode opens an in-memory audio file as a seekable beep stream.
func Decode(name, contentType string, data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	if len(data) == 0 {
		return nil, beep.Format{}, fmt.Errorf("%w: empty file", ErrDecodeFailed)
	}
	order := decodeOrder
	if first := guessCodec(name, contentType); first != "" {
		order = append([]string{first}, decodeOrder...)
	}

	var lastErr error
	tried := make(map[string]bool, len(decoders))
	for _, codec := range order {
		if tried[codec] {
			continue
		}
		tried[codec] = true
		s, format, err := decoders[codec](memFile{bytes.NewReader(data)})
		if err == nil {
			return s, format, nil
		}
		lastErr = err
	}
	return nil, beep.Format{}, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, name, lastErr)
}
