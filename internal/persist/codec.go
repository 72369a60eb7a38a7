// Package persist reconciles discovered port configuration with the durable
// copy kept in a persistent store and a registry fallback.
package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// Blob layout. All integers are little endian.
//
//	header   magic[4] version u16 ports u16 mgmt u16 mgmtOffset u32
//	ports    MaxPortEntries records of portRecordSize bytes
//	mgmt     MaxMgmtEntries records of mgmtRecordSize bytes at mgmtOffset
//	trailer  BLAKE2b-256 of everything before it
const (
	MaxPortEntries = 64
	MaxMgmtEntries = 4

	blobVersion    uint16 = 1
	headerSize            = 14
	portRecordSize        = 20
	mgmtRecordSize        = 8
	groupFieldSize        = 8
	mgmtOffset            = headerSize + MaxPortEntries*portRecordSize
	trailerOffset         = mgmtOffset + MaxMgmtEntries*mgmtRecordSize

	// BlobSize is the fixed size of an encoded blob.
	BlobSize = trailerOffset + blake2b.Size256
)

var blobMagic = [4]byte{'M', 'M', 'P', 'D'}

// Sentinels used only inside the byte layout.
const (
	emptySlot      = 0xFF
	invalidLogical = 0xFFFFFFFF
)

// ErrCorrupt is returned when a blob fails validation.
var ErrCorrupt = errors.New("persistent data corrupt")

var classCodes = map[domain.DeviceClass]byte{
	domain.ClassIOModule:      1,
	domain.ClassMezzanine:     2,
	domain.ClassBackEndModule: 3,
	domain.ClassMgmtModule:    4,
}

var roleCodes = map[domain.Role]byte{
	domain.RoleUninitialized: 0,
	domain.RoleFE:            1,
	domain.RoleBE:            2,
	domain.RoleUnassigned:    3,
}

var subRoleCodes = map[domain.SubRole]byte{
	domain.SubRoleUninitialized: 0,
	domain.SubRoleNormal:        1,
	domain.SubRoleSpecial:       2,
}

var autoNegCodes = map[domain.AutoNeg]byte{
	domain.AutoNegUnspecified: 0,
	domain.AutoNegOff:         1,
	domain.AutoNegOn:          2,
}

var duplexCodes = map[domain.Duplex]byte{
	domain.DuplexUnspecified: 0,
	domain.DuplexHalf:        1,
	domain.DuplexFull:        2,
}

func reverse[K comparable](m map[K]byte) map[byte]K {
	out := make(map[byte]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

var (
	classByCode   = reverse(classCodes)
	roleByCode    = reverse(roleCodes)
	subRoleByCode = reverse(subRoleCodes)
	autoNegByCode = reverse(autoNegCodes)
	duplexByCode  = reverse(duplexCodes)
)

// Encode serializes a configuration into a fixed-size blob.
func Encode(cfg domain.PersistedConfig) ([]byte, error) {
	if len(cfg.Ports) > MaxPortEntries {
		return nil, fmt.Errorf("%w: %d port entries, max %d", domain.ErrResourceExhausted, len(cfg.Ports), MaxPortEntries)
	}
	if len(cfg.Mgmt) > MaxMgmtEntries {
		return nil, fmt.Errorf("%w: %d management entries, max %d", domain.ErrResourceExhausted, len(cfg.Mgmt), MaxMgmtEntries)
	}

	buf := make([]byte, BlobSize)
	copy(buf[0:4], blobMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], blobVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(cfg.Ports)))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(cfg.Mgmt)))
	binary.LittleEndian.PutUint32(buf[10:14], mgmtOffset)

	for i := 0; i < MaxPortEntries; i++ {
		rec := buf[headerSize+i*portRecordSize : headerSize+(i+1)*portRecordSize]
		if i >= len(cfg.Ports) {
			rec[0], rec[1] = emptySlot, emptySlot
			binary.LittleEndian.PutUint32(rec[8:12], invalidLogical)
			continue
		}
		if err := encodePort(rec, cfg.Ports[i]); err != nil {
			return nil, err
		}
	}

	for i := 0; i < MaxMgmtEntries; i++ {
		rec := buf[mgmtOffset+i*mgmtRecordSize : mgmtOffset+(i+1)*mgmtRecordSize]
		if i >= len(cfg.Mgmt) {
			continue
		}
		s, ok := cfg.Mgmt[i].Get()
		if !ok {
			continue
		}
		rec[0] = 1
		rec[1] = autoNegCodes[s.AutoNeg]
		rec[2] = duplexCodes[s.Duplex]
		binary.LittleEndian.PutUint32(rec[4:8], uint32(s.Speed))
	}

	sum := blake2b.Sum256(buf[:trailerOffset])
	copy(buf[trailerOffset:], sum[:])
	return buf, nil
}

func encodePort(rec []byte, e domain.PersistedPortEntry) error {
	class, ok := classCodes[e.Location.Class]
	if !ok {
		return fmt.Errorf("%w: device class %q", domain.ErrInvalidArgument, e.Location.Class)
	}
	if e.Location.Slot < 0 || e.Location.Slot >= emptySlot || e.Location.Port < 0 || e.Location.Port > 0xFF {
		return fmt.Errorf("%w: location %s out of range", domain.ErrInvalidArgument, e.Location)
	}
	if len(e.Group) > groupFieldSize {
		return fmt.Errorf("%w: group %q longer than %d bytes", domain.ErrInvalidArgument, e.Group, groupFieldSize)
	}
	rec[0] = class
	rec[1] = byte(e.Location.Slot)
	rec[2] = byte(e.Location.Port)
	rec[3] = roleCodes[e.Role]
	rec[4] = subRoleCodes[e.SubRole]
	logical := uint32(invalidLogical)
	if n, ok := e.Logical.Get(); ok {
		logical = n
	}
	binary.LittleEndian.PutUint32(rec[8:12], logical)
	copy(rec[12:12+groupFieldSize], e.Group)
	return nil
}

// Decode validates and parses a blob.
func Decode(blob []byte) (domain.PersistedConfig, error) {
	var cfg domain.PersistedConfig
	if len(blob) != BlobSize {
		return cfg, fmt.Errorf("%w: size %d, want %d", ErrCorrupt, len(blob), BlobSize)
	}
	if !bytes.Equal(blob[0:4], blobMagic[:]) {
		return cfg, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(blob[4:6]); v != blobVersion {
		return cfg, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	sum := blake2b.Sum256(blob[:trailerOffset])
	if !bytes.Equal(sum[:], blob[trailerOffset:]) {
		return cfg, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if off := binary.LittleEndian.Uint32(blob[10:14]); off != mgmtOffset {
		return cfg, fmt.Errorf("%w: management offset %d", ErrCorrupt, off)
	}

	for i := 0; i < MaxPortEntries; i++ {
		rec := blob[headerSize+i*portRecordSize : headerSize+(i+1)*portRecordSize]
		if rec[0] == emptySlot || rec[1] == emptySlot {
			continue
		}
		class, ok := classByCode[rec[0]]
		if !ok {
			return cfg, fmt.Errorf("%w: record %d has class code %d", ErrCorrupt, i, rec[0])
		}
		e := domain.PersistedPortEntry{
			Location: domain.PortLocation{Class: class, Slot: int(rec[1]), Port: int(rec[2])},
			Role:     roleByCode[rec[3]],
			SubRole:  subRoleByCode[rec[4]],
			Group:    domain.IOMGroup(bytes.TrimRight(rec[12:12+groupFieldSize], "\x00")),
		}
		if n := binary.LittleEndian.Uint32(rec[8:12]); n != invalidLogical {
			e.Logical = domain.Some(n)
		}
		cfg.Ports = append(cfg.Ports, e)
	}

	cfg.Mgmt = make([]domain.Optional[domain.MgmtPortSettings], MaxMgmtEntries)
	for i := 0; i < MaxMgmtEntries; i++ {
		rec := blob[mgmtOffset+i*mgmtRecordSize : mgmtOffset+(i+1)*mgmtRecordSize]
		if rec[0] != 1 {
			continue
		}
		cfg.Mgmt[i] = domain.Some(domain.MgmtPortSettings{
			AutoNeg: autoNegByCode[rec[1]],
			Duplex:  duplexByCode[rec[2]],
			Speed:   domain.Speed(binary.LittleEndian.Uint32(rec[4:8])),
		})
	}
	return cfg, nil
}
