// Package sfo reads and writes the PSF ("system file object") format used by
// the Vita loader for `sce_sys/param.sfo`.
//
// Layout (all integers little endian):
//
//	header      magic "\x00PSF", version 1.1, key table offset,
//	            data table offset, entry count
//	index       one 16 byte record per entry, sorted by key
//	key table   NUL terminated keys, padded to 4 bytes
//	data table  each value padded to its maximum length
package sfo

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

const (
	magic          uint32 = 0x46535000
	formatVersion  uint32 = 0x00000101
	headerSize            = 20
	indexEntrySize        = 16
)

// Format is the encoding of a single value.
type Format uint16

const (
	// FormatUTF8Special is a UTF-8 string without a NUL terminator.
	FormatUTF8Special Format = 0x0004
	// FormatUTF8 is a NUL terminated UTF-8 string.
	FormatUTF8 Format = 0x0204
	// FormatInt32 is a little endian uint32.
	FormatInt32 Format = 0x0404
)

// Param is one key/value pair.
type Param struct {
	Key    string
	Format Format
	Str    string
	Int    uint32

	// MaxLen is the number of bytes reserved in the data table. Zero means
	// the encoded length rounded up to a multiple of 4.
	MaxLen uint32
}

func (p Param) encoded() []byte {
	switch p.Format {
	case FormatInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, p.Int)
		return buf
	case FormatUTF8Special:
		return []byte(p.Str)
	default:
		return append([]byte(p.Str), 0)
	}
}

func (p Param) maxLen() uint32 {
	if p.MaxLen != 0 {
		return p.MaxLen
	}
	return align4(uint32(len(p.encoded())))
}

// File is an in-memory PSF file.
type File struct {
	params map[string]Param
}

// New returns an empty File.
func New() *File {
	return &File{params: map[string]Param{}}
}

// SetString sets a NUL terminated string value. `maxLen` of zero sizes the
// slot to fit the value.
func (f *File) SetString(key, value string, maxLen uint32) {
	f.params[key] = Param{Key: key, Format: FormatUTF8, Str: value, MaxLen: maxLen}
}

// SetInt sets an integer value.
func (f *File) SetInt(key string, value uint32) {
	f.params[key] = Param{Key: key, Format: FormatInt32, Int: value, MaxLen: 4}
}

// String returns the string value for key.
func (f *File) String(key string) (string, bool) {
	p, ok := f.params[key]
	if !ok || p.Format == FormatInt32 {
		return "", false
	}
	return p.Str, true
}

// Int returns the integer value for key.
func (f *File) Int(key string) (uint32, bool) {
	p, ok := f.params[key]
	if !ok || p.Format != FormatInt32 {
		return 0, false
	}
	return p.Int, true
}

// Keys returns the keys in the order they're encoded.
func (f *File) Keys() []string {
	var keys []string
	for k := range f.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalBinary encodes the file.
func (f *File) MarshalBinary() ([]byte, error) {
	keys := f.Keys()

	var keyTable bytes.Buffer
	keyOffsets := make([]uint16, len(keys))
	for i, k := range keys {
		keyOffsets[i] = uint16(keyTable.Len())
		keyTable.WriteString(k)
		keyTable.WriteByte(0)
	}
	keyTable.Write(make([]byte, align4(uint32(keyTable.Len()))-uint32(keyTable.Len())))

	keyTableStart := uint32(headerSize + indexEntrySize*len(keys))
	dataTableStart := keyTableStart + uint32(keyTable.Len())

	var index, data bytes.Buffer
	for i, k := range keys {
		p := f.params[k]
		value := p.encoded()
		maxLen := p.maxLen()
		if uint32(len(value)) > maxLen {
			return nil, errors.New("value for %s is %d bytes, but at most %d fit",
				k, len(value), maxLen)
		}

		entry := struct {
			KeyOffset  uint16
			Format     uint16
			Len        uint32
			MaxLen     uint32
			DataOffset uint32
		}{keyOffsets[i], uint16(p.Format), uint32(len(value)), maxLen, uint32(data.Len())}
		if err := binary.Write(&index, binary.LittleEndian, entry); err != nil {
			return nil, errors.WithContext(err, "write index")
		}

		data.Write(value)
		data.Write(make([]byte, maxLen-uint32(len(value))))
	}

	var out bytes.Buffer
	header := []uint32{magic, formatVersion, keyTableStart, dataTableStart, uint32(len(keys))}
	if err := binary.Write(&out, binary.LittleEndian, header); err != nil {
		return nil, errors.WithContext(err, "write header")
	}
	out.Write(index.Bytes())
	out.Write(keyTable.Bytes())
	out.Write(data.Bytes())
	return out.Bytes(), nil
}

// Unmarshal decodes a PSF file.
func Unmarshal(raw []byte) (*File, error) {
	if len(raw) < headerSize {
		return nil, errors.New("truncated header")
	}

	le := binary.LittleEndian
	if le.Uint32(raw[0:]) != magic {
		return nil, errors.New("bad magic %#x", le.Uint32(raw[0:]))
	}
	if v := le.Uint32(raw[4:]); v != formatVersion {
		return nil, errors.New("unsupported version %#x", v)
	}
	keyTableStart := le.Uint32(raw[8:])
	dataTableStart := le.Uint32(raw[12:])
	count := le.Uint32(raw[16:])

	if uint64(headerSize)+uint64(count)*indexEntrySize > uint64(len(raw)) ||
		keyTableStart > uint32(len(raw)) || dataTableStart > uint32(len(raw)) {
		return nil, errors.New("truncated tables")
	}

	f := New()
	for i := uint32(0); i < count; i++ {
		entry := raw[headerSize+i*indexEntrySize:]
		keyStart := keyTableStart + uint32(le.Uint16(entry[0:]))
		format := Format(le.Uint16(entry[2:]))
		length := le.Uint32(entry[4:])
		maxLen := le.Uint32(entry[8:])
		dataStart := dataTableStart + le.Uint32(entry[12:])

		if keyStart >= uint32(len(raw)) || uint64(dataStart)+uint64(length) > uint64(len(raw)) {
			return nil, errors.New("entry %d points outside the file", i)
		}
		keyEnd := bytes.IndexByte(raw[keyStart:], 0)
		if keyEnd < 0 {
			return nil, errors.New("entry %d has an unterminated key", i)
		}
		key := string(raw[keyStart : keyStart+uint32(keyEnd)])
		value := raw[dataStart : dataStart+length]

		p := Param{Key: key, Format: format, MaxLen: maxLen}
		switch format {
		case FormatInt32:
			if length != 4 {
				return nil, errors.New("%s: int32 value has length %d", key, length)
			}
			p.Int = le.Uint32(value)
		case FormatUTF8:
			p.Str = string(bytes.TrimRight(value, "\x00"))
		case FormatUTF8Special:
			p.Str = string(value)
		default:
			return nil, errors.New("%s: unknown format %#x", key, uint16(format))
		}
		f.params[key] = p
	}
	return f, nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
