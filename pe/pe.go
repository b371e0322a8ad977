// Package pe loads a guest PE image into a flat, relocated byte slice
// ready to be copied into a SandboxMemoryLayout's code region.
//
// spec.md §1 excludes PE-loading internals beyond "produce an image,
// base-address, entrypoint-offset, and relocated bytes" — this package
// is exactly that minimal surface, built on the standard library's
// debug/pe since no third-party PE parser appears anywhere in the
// retrieved pack (see DESIGN.md).
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
)

// imageRelBasedDir64 is IMAGE_REL_BASED_DIR64: a 64-bit base relocation
// entry. debug/pe does not expose base relocation parsing, so this
// package reads the .reloc directory itself.
const imageRelBasedDir64 = 10
const imageRelBasedHigh3264 = 4

// LoadResult is the output of Load: a flattened, relocated image ready
// to be copied verbatim into the guest's code region, alongside the
// entrypoint offset relative to the image's start.
type LoadResult struct {
	Image            []byte
	EntrypointOffset uint64
	PreferredBase    uint64
}

// Load reads the PE file at path and produces the image
// mem.NewManager expects, relocating it in place as if it were
// loaded at loadAddress.
func Load(path string, loadAddress uint64) (LoadResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("hyperlight/pe: read %s: %w", path, err)
	}
	return LoadBytes(raw, loadAddress)
}

// LoadBytes is Load's in-memory equivalent.
func LoadBytes(raw []byte, loadAddress uint64) (LoadResult, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return LoadResult{}, fmt.Errorf("hyperlight/pe: parse: %w", err)
	}
	defer f.Close()

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return LoadResult{}, fmt.Errorf("hyperlight/pe: guest binary must be PE32+ (amd64)")
	}

	image := make([]byte, oh.SizeOfImage)
	if err := copyHeaders(image, raw, f); err != nil {
		return LoadResult{}, err
	}
	for _, sec := range f.Sections {
		data, err := sec.Data()
		if err != nil {
			return LoadResult{}, fmt.Errorf("hyperlight/pe: section %s: %w", sec.Name, err)
		}
		if int(sec.VirtualAddress)+len(data) > len(image) {
			return LoadResult{}, fmt.Errorf("hyperlight/pe: section %s overruns image", sec.Name)
		}
		copy(image[sec.VirtualAddress:], data)
	}

	delta := int64(loadAddress) - int64(oh.ImageBase)
	if delta != 0 {
		if err := applyBaseRelocations(image, f, delta); err != nil {
			return LoadResult{}, err
		}
	}

	return LoadResult{
		Image:            image,
		EntrypointOffset: uint64(oh.AddressOfEntryPoint),
		PreferredBase:    oh.ImageBase,
	}, nil
}

func copyHeaders(image, raw []byte, f *pe.File) error {
	headerSize := int(f.Sections[0].VirtualAddress)
	if headerSize > len(raw) || headerSize > len(image) {
		return fmt.Errorf("hyperlight/pe: header size %d out of range", headerSize)
	}
	copy(image, raw[:headerSize])
	return nil
}

// applyBaseRelocations walks the .reloc directory (data directory
// index 5) and applies every IMAGE_REL_BASED_DIR64 fixup by delta.
// debug/pe surfaces the directory's RVA/size but not its parsed
// entries, so this package parses the block format itself.
func applyBaseRelocations(image []byte, f *pe.File, delta int64) error {
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return fmt.Errorf("hyperlight/pe: not PE32+")
	}
	const relocDirIndex = 5
	if relocDirIndex >= len(oh.DataDirectory) {
		return nil
	}
	dir := oh.DataDirectory[relocDirIndex]
	if dir.Size == 0 {
		return nil
	}
	if int(dir.VirtualAddress+dir.Size) > len(image) {
		return fmt.Errorf("hyperlight/pe: .reloc directory overruns image")
	}
	data := image[dir.VirtualAddress : dir.VirtualAddress+dir.Size]

	for len(data) >= 8 {
		pageRVA := binary.LittleEndian.Uint32(data[0:4])
		blockSize := binary.LittleEndian.Uint32(data[4:8])
		if blockSize < 8 || int(blockSize) > len(data) {
			break
		}
		entries := data[8:blockSize]
		for len(entries) >= 2 {
			entry := binary.LittleEndian.Uint16(entries[0:2])
			typ := entry >> 12
			offset := entry & 0x0fff
			switch typ {
			case imageRelBasedDir64:
				addr := pageRVA + uint32(offset)
				if int(addr)+8 > len(image) {
					return fmt.Errorf("hyperlight/pe: relocation at 0x%x overruns image", addr)
				}
				v := binary.LittleEndian.Uint64(image[addr:])
				binary.LittleEndian.PutUint64(image[addr:], uint64(int64(v)+delta))
			case imageRelBasedHigh3264:
				addr := pageRVA + uint32(offset)
				if int(addr)+4 > len(image) {
					return fmt.Errorf("hyperlight/pe: relocation at 0x%x overruns image", addr)
				}
				v := binary.LittleEndian.Uint32(image[addr:])
				binary.LittleEndian.PutUint32(image[addr:], uint32(int64(v)+delta))
			case 0: // IMAGE_REL_BASED_ABSOLUTE, padding entry
			}
			entries = entries[2:]
		}
		data = data[blockSize:]
	}
	return nil
}
