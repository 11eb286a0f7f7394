// Package chunking splits textual project assets into overlapping
// line-window chunks and derives stable identifiers for the resulting
// vector points, independent of any storage backend.
package chunking

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"movesia-index/internal/config"
	"movesia-index/pkg/types"
)

// pointNamespace is the fixed, repository-wide UUID v5 namespace used to
// derive every vector point ID. Changing it would re-identify every point
// already stored, so it must never change across releases.
var pointNamespace = uuid.MustParse("6f1b1f6e-6e2d-4e8a-9b0a-2e6c8b9f9a11")

// Chunk is one overlapping line window of an asset's text, together with
// its content fingerprint and derived point identity.
type Chunk struct {
	PointID   string
	ChunkKey  string
	LineStart int
	LineEnd   int
	Text      string
	Fingerprint uint32
	FingerprintHex string
}

// fnv32aSeed and fnv32aPrime are the FNV-1a 32-bit constants used for the
// per-chunk content fingerprint (spec: seed 2166136261, multiplier 16777619).
const (
	fnv32aSeed  uint32 = 2166136261
	fnv32aPrime uint32 = 16777619
)

// Fingerprint computes the FNV-1a 32-bit hash of s.
func Fingerprint(s string) uint32 {
	h := fnv32aSeed
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnv32aPrime
	}
	return h
}

// linesPerChunk derives the window size in lines from a target token
// budget, approximating four tokens per line and enforcing a floor.
func linesPerChunk(targetTokens int) int {
	n := targetTokens / 4
	if n < 30 {
		n = 30
	}
	return n
}

// ParamsForKind returns the target-token and overlap-line parameters the
// chunker uses for the given asset kind, per the chunking configuration.
func ParamsForKind(cfg *config.ChunkingConfig, kind types.AssetKind) (targetTokens, overlapLines int) {
	if kind == types.KindScene {
		return cfg.SceneTargetTokens, cfg.SceneOverlapLines
	}
	return cfg.ScriptTargetTokens, cfg.ScriptOverlapLines
}

// Split splits text into overlapping line windows for absPath, using the
// target-token/overlap parameters for kind. Lines are 1-based and
// inclusive at both ends. An empty text yields no chunks.
func Split(cfg *config.ChunkingConfig, absPath string, kind types.AssetKind, text string) []Chunk {
	targetTokens, overlap := ParamsForKind(cfg, kind)
	return split(absPath, text, targetTokens, overlap)
}

func split(absPath, text string, targetTokens, overlap int) []Chunk {
	if text == "" {
		return nil
	}
	lines := strings.Split(normalizeNewlines(text), "\n")
	n := len(lines)
	perChunk := linesPerChunk(targetTokens)
	advance := perChunk - overlap
	if advance < 1 {
		advance = 1
	}

	var chunks []Chunk
	for i := 0; i < n; i += advance {
		end := i + perChunk
		if end > n {
			end = n
		}
		windowLines := lines[i:end]
		chunkText := strings.Join(windowLines, "\n")
		lineStart := i + 1
		lineEnd := end

		fp := Fingerprint(chunkText)
		fpHex := fmt.Sprintf("%08x", fp)
		chunkKey := fmt.Sprintf("%s#%d-%d#%s", absPath, lineStart, lineEnd, fpHex)
		pointID := PointID(chunkKey)

		chunks = append(chunks, Chunk{
			PointID:        pointID,
			ChunkKey:       chunkKey,
			LineStart:      lineStart,
			LineEnd:        lineEnd,
			Text:           chunkText,
			Fingerprint:    fp,
			FingerprintHex: fpHex,
		})

		if end == n {
			break
		}
	}
	return chunks
}

// PointID derives the deterministic UUID v5 point identifier for a chunk
// key. Re-computing it from the same chunk key always yields the same ID.
func PointID(chunkKey string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkKey)).String()
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
