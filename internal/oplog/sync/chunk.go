package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/crypt"
)

// File-mode layout.
const (
	OpsDir       = "ops"
	ManifestPath = "ops/manifest.json"

	ManifestVersion = 1
	ChunkVersion    = 1

	chunkPrefix = "ops_"
	chunkSuffix = ".json"
)

// Chunk file header: magic, format version, flags.
const (
	chunkMagic      = "OPSC"
	chunkHeaderSize = len(chunkMagic) + 2
	chunkFormat     = 1
)

const (
	flagSnappy    byte = 1 << 0
	flagEncrypted byte = 1 << 1
)

// ErrEncryptedChunk is returned when a chunk is encrypted and no
// passphrase is configured.
var ErrEncryptedChunk = errors.New("chunk is encrypted but no passphrase is configured")

// Chunk is the content of one operation file.
type Chunk struct {
	Version  int               `json:"version"`
	ClientID string            `json:"clientId"`
	Ops      []oplog.Operation `json:"ops"`
}

// Manifest lists the operation files of a file-based remote.
type Manifest struct {
	Version        int      `json:"version"`
	OperationFiles []string `json:"operationFiles"`
}

// Contains reports whether file is listed.
func (m *Manifest) Contains(file string) bool {
	for _, f := range m.OperationFiles {
		if f == file {
			return true
		}
	}
	return false
}

// Add merges files into the manifest and keeps the list sorted and unique.
func (m *Manifest) Add(files ...string) {
	seen := make(map[string]bool, len(m.OperationFiles)+len(files))
	merged := make([]string, 0, len(m.OperationFiles)+len(files))
	for _, f := range append(append([]string{}, m.OperationFiles...), files...) {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
		}
	}
	sort.Strings(merged)
	m.OperationFiles = merged
}

// EncodeManifest serializes m with a sorted file list.
func EncodeManifest(m *Manifest) ([]byte, error) {
	out := Manifest{Version: ManifestVersion}
	out.Add(m.OperationFiles...)
	return json.MarshalIndent(out, "", "  ")
}

// DecodeManifest parses a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Version > ManifestVersion {
		return nil, fmt.Errorf("manifest version %d is newer than supported %d", m.Version, ManifestVersion)
	}
	return &m, nil
}

// ChunkName builds the path of a chunk uploaded by clientID at unixMs.
func ChunkName(clientID string, unixMs int64) string {
	return path.Join(OpsDir, chunkPrefix+clientID+"_"+strconv.FormatInt(unixMs, 10)+chunkSuffix)
}

// ChunkClientID extracts the author of a chunk path. Client ids may contain
// underscores; the timestamp is always the last segment.
func ChunkClientID(file string) (string, bool) {
	name := path.Base(file)
	if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
		return "", false
	}
	name = strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix)
	i := strings.LastIndex(name, "_")
	if i <= 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(name[i+1:], 10, 64); err != nil {
		return "", false
	}
	return name[:i], true
}

// EncodeChunk serializes c. The JSON body is snappy-compressed when
// compress is set and the result sealed with cipher when it is not nil.
func EncodeChunk(c *Chunk, cipher *crypt.Cipher, compress bool) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk: %w", err)
	}

	var flags byte
	if compress {
		body = snappy.Encode(nil, body)
		flags |= flagSnappy
	}
	if cipher != nil {
		body, err = cipher.Encrypt(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt chunk: %w", err)
		}
		flags |= flagEncrypted
	}

	out := make([]byte, 0, chunkHeaderSize+len(body))
	out = append(out, chunkMagic...)
	out = append(out, chunkFormat, flags)
	return append(out, body...), nil
}

// DecodeChunk parses a chunk written by EncodeChunk. Plain JSON chunks are
// accepted as well.
func DecodeChunk(data []byte, cipher *crypt.Cipher) (*Chunk, error) {
	body := data
	if bytes.HasPrefix(data, []byte(chunkMagic)) {
		if len(data) < chunkHeaderSize {
			return nil, fmt.Errorf("chunk header is truncated")
		}
		if format := data[len(chunkMagic)]; format != chunkFormat {
			return nil, fmt.Errorf("unsupported chunk format %d", format)
		}
		flags := data[len(chunkMagic)+1]
		body = data[chunkHeaderSize:]

		var err error
		if flags&flagEncrypted != 0 {
			if cipher == nil {
				return nil, ErrEncryptedChunk
			}
			if body, err = cipher.Decrypt(body); err != nil {
				return nil, err
			}
		}
		if flags&flagSnappy != 0 {
			if body, err = snappy.Decode(nil, body); err != nil {
				return nil, fmt.Errorf("failed to decompress chunk: %w", err)
			}
		}
	} else if t := bytes.TrimSpace(data); len(t) == 0 || t[0] != '{' {
		return nil, fmt.Errorf("unrecognized chunk encoding")
	}

	var c Chunk
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("failed to parse chunk: %w", err)
	}
	if c.Version > ChunkVersion {
		return nil, fmt.Errorf("chunk version %d is newer than supported %d", c.Version, ChunkVersion)
	}
	return &c, nil
}
