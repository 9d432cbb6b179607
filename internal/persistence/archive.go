package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/victory"
)

// ArchiveVersion is the archive layout written by WriteArchive.
const ArchiveVersion = 1

// ErrArchiveVersion is returned for archives written by a newer layout.
var ErrArchiveVersion = errors.New("unsupported archive version")

// ArchiveHeader is the first line of an archive, readable without decoding
// the body.
type ArchiveHeader struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	Tick      uint64    `json:"tick"`
	At        time.Time `json:"at"`
}

// Archive is a point-in-time export of the session.
type Archive struct {
	Header  ArchiveHeader        `json:"header"`
	Records []progression.Record `json:"records"`
	Victory []victory.Progress   `json:"victory"`
	Winners []victory.Winner     `json:"winners,omitempty"`
	Events  []events.Event       `json:"events,omitempty"`
	Balance any                  `json:"balance,omitempty"`
}

// ArchiveName returns the file name used for an archive of tick.
func ArchiveName(sessionID string, tick uint64) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return fmt.Sprintf("%s-%010d.json.zst", sessionID, tick)
}

// WriteArchive writes a zstd-compressed archive: a JSON header line followed
// by the JSON body. Returns the compressed size.
func WriteArchive(path string, a Archive) (int64, error) {
	if a.Header.Version == 0 {
		a.Header.Version = ArchiveVersion
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	if err := encodeArchive(f, a); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func encodeArchive(w io.Writer, a Archive) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, err := json.Marshal(a.Header)
	if err != nil {
		enc.Close()
		return err
	}
	bw.Write(hb)
	bw.WriteByte('\n')
	if err := json.NewEncoder(bw).Encode(&a); err != nil {
		enc.Close()
		return fmt.Errorf("encode archive: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadArchiveHeader decodes only the header line of an archive.
func ReadArchiveHeader(path string) (ArchiveHeader, error) {
	var h ArchiveHeader
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	if h.Version > ArchiveVersion {
		return h, fmt.Errorf("version %d: %w", h.Version, ErrArchiveVersion)
	}
	return h, nil
}

// ReadArchive decodes a full archive.
func ReadArchive(path string) (Archive, error) {
	var a Archive
	f, err := os.Open(path)
	if err != nil {
		return a, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return a, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return a, fmt.Errorf("read header: %w", err)
	}
	var h ArchiveHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return a, fmt.Errorf("decode header: %w", err)
	}
	if h.Version > ArchiveVersion {
		return a, fmt.Errorf("version %d: %w", h.Version, ErrArchiveVersion)
	}
	if err := json.NewDecoder(br).Decode(&a); err != nil {
		return a, fmt.Errorf("decode archive: %w", err)
	}
	return a, nil
}
