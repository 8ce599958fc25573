package wasm

import (
	"bytes"

	"github.com/wasmlab/wabidb/wasm/internal/binary"
)

// NameSection holds the decoded subsections of a WASM "name" custom
// section that the editor and printer care about: symbolic names for
// functions, memories, globals, and data segments, plus the module name.
// Every other subsection (local-variable names included) is skipped on
// parse and is not written back by Encode.
type NameSection struct {
	Functions  map[uint32]string
	Memories   map[uint32]string
	Globals    map[uint32]string
	DataSegs   map[uint32]string
	ModuleName string
	HasModule  bool
}

const (
	nameSubsecModule   byte = 0
	nameSubsecFunction byte = 1
	nameSubsecMemory   byte = 6
	nameSubsecGlobal   byte = 7
	nameSubsecData     byte = 9
)

// ParseNameSection decodes the "name" custom section's payload.
// Unknown subsection IDs are skipped (forward compatible).
func ParseNameSection(data []byte) (*NameSection, error) {
	ns := &NameSection{
		Functions: map[uint32]string{},
		Memories:  map[uint32]string{},
		Globals:   map[uint32]string{},
		DataSegs:  map[uint32]string{},
	}
	r := binary.NewReader(bytes.NewReader(data))
	for {
		id, err := r.ReadByte()
		if err != nil {
			break // EOF: done
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, err
		}
		sub := binary.NewReader(bytes.NewReader(payload))
		switch id {
		case nameSubsecModule:
			name, err := sub.ReadName()
			if err != nil {
				return nil, err
			}
			ns.ModuleName = name
			ns.HasModule = true
		case nameSubsecFunction:
			if err := readNameMap(sub, ns.Functions); err != nil {
				return nil, err
			}
		case nameSubsecMemory:
			if err := readNameMap(sub, ns.Memories); err != nil {
				return nil, err
			}
		case nameSubsecGlobal:
			if err := readNameMap(sub, ns.Globals); err != nil {
				return nil, err
			}
		case nameSubsecData:
			if err := readNameMap(sub, ns.DataSegs); err != nil {
				return nil, err
			}
		}
	}
	return ns, nil
}

func readNameMap(r *binary.Reader, into map[uint32]string) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		into[idx] = name
	}
	return nil
}

// Encode serializes the name section back to a custom section payload.
func (ns *NameSection) Encode() []byte {
	w := binary.NewWriter()
	if ns.HasModule {
		sub := binary.NewWriter()
		sub.WriteName(ns.ModuleName)
		writeNameSubsection(w, nameSubsecModule, sub.Bytes())
	}
	if len(ns.Functions) > 0 {
		writeNameSubsection(w, nameSubsecFunction, encodeNameMap(ns.Functions))
	}
	if len(ns.Memories) > 0 {
		writeNameSubsection(w, nameSubsecMemory, encodeNameMap(ns.Memories))
	}
	if len(ns.Globals) > 0 {
		writeNameSubsection(w, nameSubsecGlobal, encodeNameMap(ns.Globals))
	}
	if len(ns.DataSegs) > 0 {
		writeNameSubsection(w, nameSubsecData, encodeNameMap(ns.DataSegs))
	}
	return w.Bytes()
}

func writeNameSubsection(w *binary.Writer, id byte, payload []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(payload)))
	w.WriteBytes(payload)
}

func encodeNameMap(m map[uint32]string) []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(m)))
	idxs := sortedKeys(m)
	for _, idx := range idxs {
		w.WriteU32(idx)
		w.WriteName(m[idx])
	}
	return w.Bytes()
}

func sortedKeys(m map[uint32]string) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort: name sections are small (synthetic modules, not
	// whole-program binaries), so O(n^2) is fine and keeps this file
	// dependency-free.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// NameSection returns the module's decoded name section, or an empty one
// if absent.
func (m *Module) NameSection() (*NameSection, error) {
	for _, cs := range m.CustomSections {
		if cs.Name == "name" {
			return ParseNameSection(cs.Data)
		}
	}
	return &NameSection{
		Functions: map[uint32]string{},
		Memories:  map[uint32]string{},
		Globals:   map[uint32]string{},
		DataSegs:  map[uint32]string{},
	}, nil
}

// SetNameSection replaces (or adds) the module's "name" custom section.
func (m *Module) SetNameSection(ns *NameSection) {
	data := ns.Encode()
	for i, cs := range m.CustomSections {
		if cs.Name == "name" {
			m.CustomSections[i].Data = data
			return
		}
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: "name", Data: data})
}
