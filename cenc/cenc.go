// Package cenc implements the 'cenc' Common Encryption scheme (AES-128 in CTR mode)
// for ISO-BMFF samples, and the sample auxiliary information that goes with it.
package cenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SchemeAESCTR is the encryption scheme name accepted by the muxer options.
const SchemeAESCTR = "cenc-aes-ctr"

// SchemeType is the four-character code written to schm.
const SchemeType = "cenc"

const (
	KeySize = 16
	IVSize  = 8
)

// MaxAuxInfoSize is the largest entry saiz can describe in its one-byte size field.
const MaxAuxInfoSize = 255

// MaxSubsamples is the longest subsample map that still fits MaxAuxInfoSize.
const MaxSubsamples = (MaxAuxInfoSize - IVSize - 2) / 6

var (
	ErrUnsupportedScheme = errors.New("cenc: unsupported encryption scheme")
	ErrKeySize           = errors.New("cenc: key must be 16 bytes")
	ErrTooManySubsamples = errors.New("cenc: subsample map does not fit aux info")
	ErrSampleLayout      = errors.New("cenc: sample does not match subsample layout")
)

// KeyID identifies the content key. It is written to tenc and never derived from the key.
type KeyID [16]byte

// DefaultKeyID is used when the caller does not supply a KID.
var DefaultKeyID = KeyID{
	0xa7, 0xe6, 0x1c, 0x37, 0x3e, 0x21, 0x90, 0x33,
	0xc2, 0x10, 0x91, 0xfa, 0x60, 0x7b, 0xf3, 0xb8,
}

// ParseKeyID accepts 32 hex digits or any form uuid.Parse understands.
func ParseKeyID(s string) (KeyID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return KeyID{}, errors.Wrapf(err, "cenc: parse kid %q", s)
	}
	return KeyID(id), nil
}

func (self KeyID) String() string {
	return hex.EncodeToString(self[:])
}

// UUID formats the KID the way license servers usually print it.
func (self KeyID) UUID() string {
	return uuid.UUID(self).String()
}

// ParseKey decodes a 16-byte key from hex.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(err, "cenc: parse key")
	}
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	return key, nil
}

// CheckScheme validates a scheme name.
func CheckScheme(name string) error {
	if name != SchemeAESCTR {
		return errors.Wrapf(ErrUnsupportedScheme, "%q", name)
	}
	return nil
}

// Policy selects which bytes of a sample are protected.
type Policy int

const (
	// PolicyFullSample encrypts every byte of the sample.
	PolicyFullSample Policy = iota
	// PolicyNALSubsample leaves each NAL length prefix and NAL header in the clear.
	PolicyNALSubsample
)

func (self Policy) String() string {
	switch self {
	case PolicyFullSample:
		return "full"
	case PolicyNALSubsample:
		return "nal"
	}
	return "unknown"
}

type Subsample struct {
	Clear     uint16
	Protected uint32
}

// SampleInfo is the auxiliary information of one encrypted sample.
type SampleInfo struct {
	IV         [IVSize]byte
	Subsamples []Subsample
}

// Size is the length of the encoded aux info entry.
func (self SampleInfo) Size(withSubsamples bool) int {
	n := IVSize
	if withSubsamples {
		n += 2 + 6*len(self.Subsamples)
	}
	return n
}

// AppendTo encodes the entry as it appears in senc.
func (self SampleInfo) AppendTo(b []byte, withSubsamples bool) []byte {
	b = append(b, self.IV[:]...)
	if !withSubsamples {
		return b
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(self.Subsamples)))
	for _, sub := range self.Subsamples {
		b = binary.BigEndian.AppendUint16(b, sub.Clear)
		b = binary.BigEndian.AppendUint32(b, sub.Protected)
	}
	return b
}

// Encryptor encrypts the samples of one track. Each sample gets the next IV.
type Encryptor struct {
	block         cipher.Block
	policy        Policy
	nalLengthSize int
	iv            uint64
}

// NewEncryptor seeds the IV counter from crypto/rand.
func NewEncryptor(key []byte, policy Policy) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cenc: cipher")
	}
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, errors.Wrap(err, "cenc: iv seed")
	}
	return &Encryptor{
		block:         block,
		policy:        policy,
		nalLengthSize: 4,
		iv:            binary.BigEndian.Uint64(seed[:]),
	}, nil
}

func (self *Encryptor) Policy() Policy {
	return self.policy
}

// UsesSubsamples reports whether aux info entries carry a subsample map.
func (self *Encryptor) UsesSubsamples() bool {
	return self.policy == PolicyNALSubsample
}

// SetIV sets the IV used for the next sample.
func (self *Encryptor) SetIV(iv uint64) {
	self.iv = iv
}

// EncryptSample encrypts sample in place and returns its aux info.
func (self *Encryptor) EncryptSample(sample []byte) (SampleInfo, error) {
	var info SampleInfo
	binary.BigEndian.PutUint64(info.IV[:], self.iv)
	if self.policy == PolicyNALSubsample {
		subs, err := nalSubsamples(sample, self.nalLengthSize)
		if err != nil {
			return info, err
		}
		if subs, err = coalesceSubsamples(subs, MaxSubsamples); err != nil {
			return info, err
		}
		info.Subsamples = subs
	}
	if err := xorSample(self.block, sample, info); err != nil {
		return info, err
	}
	self.iv++
	return info, nil
}

// Decrypt reverses EncryptSample in place.
func Decrypt(key []byte, sample []byte, info SampleInfo) error {
	if len(key) != KeySize {
		return ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return errors.Wrap(err, "cenc: cipher")
	}
	return xorSample(block, sample, info)
}

// nalSubsamples builds one subsample per length-prefixed NAL unit.
func nalSubsamples(sample []byte, lengthSize int) ([]Subsample, error) {
	var subs []Subsample
	b := sample
	for len(b) > 0 {
		if len(b) < lengthSize+1 {
			return nil, errors.Wrapf(ErrSampleLayout, "%d trailing bytes", len(b))
		}
		var n uint64
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | uint64(b[i])
		}
		if n == 0 || n > uint64(len(b)-lengthSize) {
			return nil, errors.Wrapf(ErrSampleLayout, "nal length %d", n)
		}
		subs = append(subs, Subsample{
			Clear:     uint16(lengthSize + 1),
			Protected: uint32(n - 1),
		})
		b = b[lengthSize+int(n):]
	}
	return subs, nil
}

// coalesceSubsamples folds whole subsamples into the clear range of their
// successor until at most max remain. The smallest protected ranges are
// given up first. NAL headers stay clear either way.
func coalesceSubsamples(subs []Subsample, max int) ([]Subsample, error) {
	for len(subs) > max {
		best := -1
		for i := 0; i < len(subs)-1; i++ {
			if int(subs[i].Clear)+int(subs[i].Protected)+int(subs[i+1].Clear) > 0xffff {
				continue
			}
			if best < 0 || subs[i].Protected < subs[best].Protected {
				best = i
			}
		}
		if best < 0 {
			return nil, errors.Wrapf(ErrTooManySubsamples, "%d subsamples", len(subs))
		}
		subs[best+1].Clear += subs[best].Clear + uint16(subs[best].Protected)
		subs = append(subs[:best], subs[best+1:]...)
	}
	return subs, nil
}

// xorSample runs the CTR keystream over the protected ranges. The counter
// continues from one protected range to the next.
func xorSample(block cipher.Block, sample []byte, info SampleInfo) error {
	var counter [aes.BlockSize]byte
	copy(counter[:], info.IV[:])
	stream := cipher.NewCTR(block, counter[:])
	if len(info.Subsamples) == 0 {
		stream.XORKeyStream(sample, sample)
		return nil
	}
	pos := 0
	for _, sub := range info.Subsamples {
		pos += int(sub.Clear)
		end := pos + int(sub.Protected)
		if end > len(sample) {
			return errors.Wrapf(ErrSampleLayout, "subsample ends at %d past %d", end, len(sample))
		}
		stream.XORKeyStream(sample[pos:end], sample[pos:end])
		pos = end
	}
	if pos != len(sample) {
		return errors.Wrapf(ErrSampleLayout, "subsamples cover %d of %d bytes", pos, len(sample))
	}
	return nil
}
