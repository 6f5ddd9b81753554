package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// maxTextChunk bounds the tEXt chunks read into memory.  Chunks of other
// types are skipped without buffering.
const maxTextChunk = 64 << 20

type pngChunkHeader struct {
	length uint32
	typ    string
}

func readChunkHeader(r io.Reader) (pngChunkHeader, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return pngChunkHeader{}, err
	}
	return pngChunkHeader{length: binary.BigEndian.Uint32(hdr[:4]), typ: string(hdr[4:])}, nil
}

// GetPngMetadata returns the tEXt chunks of a PNG stream keyed by keyword.
// Images written by the job server carry the API workflow under "prompt" and
// the editor graph under "workflow".  Reading stops at IEND.
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	var sig [8]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, fmt.Errorf("reading png signature: %w", err)
	}
	if !bytes.Equal(sig[:], pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	text := make(map[string]string)
	for {
		chunk, err := readChunkHeader(r)
		if errors.Is(err, io.EOF) {
			return text, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading png chunk header: %w", err)
		}

		// chunk data followed by a 4 byte crc
		skip := int64(chunk.length) + 4
		if chunk.typ == "tEXt" {
			if chunk.length > maxTextChunk {
				return nil, fmt.Errorf("png tEXt chunk of %d bytes exceeds the %d byte limit", chunk.length, maxTextChunk)
			}
			data := make([]byte, chunk.length)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("reading png tEXt chunk: %w", err)
			}
			keyword, value, ok := bytes.Cut(data, []byte{0})
			if !ok {
				return nil, errors.New("malformed tEXt chunk")
			}
			text[string(keyword)] = string(value)
			skip = 4
		}
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("reading png %s chunk: %w", chunk.typ, err)
		}
		if chunk.typ == "IEND" {
			return text, nil
		}
	}
}

// LoadWorkflowFromPNG extracts the API workflow embedded in a generated image.
func LoadWorkflowFromPNG(r io.Reader) (*Workflow, error) {
	metadata, err := GetPngMetadata(r)
	if err != nil {
		return nil, err
	}
	prompt, ok := metadata["prompt"]
	if !ok {
		return nil, errors.New("png does not contain prompt metadata")
	}
	return ParseWorkflow([]byte(prompt))
}

// LoadWorkflowFromPNGFile is LoadWorkflowFromPNG for a file on disk.
func LoadWorkflowFromPNGFile(path string) (*Workflow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadWorkflowFromPNG(file)
}
