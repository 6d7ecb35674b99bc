package ciphering

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cybroslabs/libdlms-server-go/base"
)

type cipheringnist struct {
	nist cipher.AEAD
	aad  []byte
	iv   [12]byte

	password     []byte
	systemtitleC []byte
	systemtitleS []byte
	stoc         []byte
	ctos         []byte

	authenticationMechanismId base.Authentication
}

func (g *cipheringnist) Setup(systemtitleC []byte, ctos []byte) error {
	if systemtitleC != nil && len(systemtitleC) != TitleLength {
		return fmt.Errorf("systitle has to be 8 bytes long")
	}
	g.systemtitleC = slices.Clone(systemtitleC)
	g.ctos = slices.Clone(ctos)
	return nil
}

func (g *cipheringnist) Challenge() []byte {
	return g.stoc
}

func (g *cipheringnist) SystemTitle() []byte {
	return g.systemtitleS
}

func (g *cipheringnist) ClientSystemTitle() []byte {
	return g.systemtitleC
}

func (g *cipheringnist) hasgcm() bool {
	return g.nist != nil
}

func (g *cipheringnist) Hash(sc byte, fc uint32) ([]byte, error) {
	var hashbuf bytes.Buffer
	switch g.authenticationMechanismId {
	case base.AuthenticationLow:
		return slices.Clone(g.password), nil
	case base.AuthenticationHighMD5:
		hashbuf.Write(g.ctos)
		hashbuf.Write(g.password)
		h := md5.Sum(hashbuf.Bytes())
		return h[:], nil
	case base.AuthenticationHighSHA1:
		hashbuf.Write(g.ctos)
		hashbuf.Write(g.password)
		h := sha1.Sum(hashbuf.Bytes())
		return h[:], nil
	case base.AuthenticationHighGmac:
		e, err := g.encryptinternal(nil, sc, fc, g.systemtitleS, g.ctos)
		if err != nil {
			return nil, err
		}
		return e[len(e)-GCM_TAG_LENGTH:], nil
	case base.AuthenticationHighSha256:
		hashbuf.Write(g.password)
		hashbuf.Write(g.systemtitleS)
		hashbuf.Write(g.systemtitleC)
		hashbuf.Write(g.ctos)
		hashbuf.Write(g.stoc)
		h := sha256.Sum256(hashbuf.Bytes())
		return h[:], nil
	}
	return nil, fmt.Errorf("unsupported authentication mechanism: %v", g.authenticationMechanismId)
}

func (g *cipheringnist) Verify(sc byte, fc uint32, hash []byte) (bool, error) {
	var hashbuf bytes.Buffer
	switch g.authenticationMechanismId {
	case base.AuthenticationNone:
		return true, nil
	case base.AuthenticationLow:
		return bytes.Equal(hash, g.password), nil
	case base.AuthenticationHighMD5:
		hashbuf.Write(g.stoc)
		hashbuf.Write(g.password)
		h := md5.Sum(hashbuf.Bytes())
		return bytes.Equal(hash, h[:]), nil
	case base.AuthenticationHighSHA1:
		hashbuf.Write(g.stoc)
		hashbuf.Write(g.password)
		h := sha1.Sum(hashbuf.Bytes())
		return bytes.Equal(hash, h[:]), nil
	case base.AuthenticationHighGmac:
		if len(g.systemtitleC) != TitleLength {
			return false, fmt.Errorf("client system title is not known")
		}
		e, err := g.encryptinternal(nil, sc, fc, g.systemtitleC, g.stoc)
		if err != nil {
			return false, err
		}
		return bytes.Equal(e[len(e)-GCM_TAG_LENGTH:], hash), nil
	case base.AuthenticationHighSha256:
		hashbuf.Write(g.password)
		hashbuf.Write(g.systemtitleC)
		hashbuf.Write(g.systemtitleS)
		hashbuf.Write(g.stoc)
		hashbuf.Write(g.ctos)
		h := sha256.Sum256(hashbuf.Bytes())
		return bytes.Equal(hash, h[:]), nil
	}
	return false, fmt.Errorf("unsupported authentication mechanism: %v", g.authenticationMechanismId)
}

func (g *cipheringnist) Decrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error) {
	if apdu == nil {
		return nil, fmt.Errorf("apdu is nil")
	}
	if !g.hasgcm() {
		return nil, fmt.Errorf("no encryption key configured")
	}
	if len(g.systemtitleC) != TitleLength {
		return nil, fmt.Errorf("client system title is not known")
	}

	copy(g.iv[:], g.systemtitleC)
	binary.BigEndian.PutUint32(g.iv[8:], fc)
	switch sc & 0x30 {
	case base.SecurityControlAuthentication:
		if len(apdu) < GCM_TAG_LENGTH {
			return nil, fmt.Errorf("too short ciphered data, no space for tag")
		}
		plain := apdu[:len(apdu)-GCM_TAG_LENGTH]
		aad := make([]byte, len(g.aad)+len(plain))
		aad[0] = sc
		copy(aad[1:], g.aad[1:])
		copy(aad[len(g.aad):], plain)
		if _, err := g.nist.Open(nil, g.iv[:], apdu[len(plain):], aad); err != nil {
			return nil, err
		}
		return append(ret[:0], plain...), nil
	case base.SecurityControlAuthentication | base.SecurityControlEncryption:
		if len(apdu) < GCM_TAG_LENGTH {
			return nil, fmt.Errorf("too short ciphered data, no space for tag")
		}
		g.aad[0] = sc
		return g.nist.Open(ret[:0], g.iv[:], apdu, g.aad)
	default:
		return nil, fmt.Errorf("security control %02X not supported", sc)
	}
}

func (g *cipheringnist) Encrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error) {
	if !g.hasgcm() {
		return nil, fmt.Errorf("no encryption key configured")
	}
	return g.encryptinternal(ret, sc, fc, g.systemtitleS, apdu)
}

func (g *cipheringnist) encryptinternal(ret []byte, sc byte, fc uint32, title []byte, apdu []byte) ([]byte, error) {
	if apdu == nil {
		return nil, fmt.Errorf("apdu is nil")
	}
	if !g.hasgcm() {
		return nil, fmt.Errorf("no encryption key configured")
	}

	copy(g.iv[:], title)
	binary.BigEndian.PutUint32(g.iv[8:], fc)
	switch sc & 0x30 {
	case base.SecurityControlAuthentication:
		aad := make([]byte, len(g.aad)+len(apdu))
		aad[0] = sc
		copy(aad[1:], g.aad[1:])
		copy(aad[len(g.aad):], apdu)
		tag := g.nist.Seal(nil, g.iv[:], nil, aad)
		ret = append(ret[:0], apdu...)
		return append(ret, tag...), nil
	case base.SecurityControlAuthentication | base.SecurityControlEncryption:
		g.aad[0] = sc
		return g.nist.Seal(ret[:0], g.iv[:], apdu, g.aad), nil
	default:
		return nil, fmt.Errorf("unsupported security control byte: %02X", sc)
	}
}

func (g *cipheringnist) GetEncryptLength(sc byte, apdu []byte) (int, error) {
	switch sc & 0x30 {
	case base.SecurityControlAuthentication, base.SecurityControlAuthentication | base.SecurityControlEncryption:
		return len(apdu) + GCM_TAG_LENGTH, nil
	}
	return 0, fmt.Errorf("GetEncryptLength not implemented for sc %02X", sc)
}

// NewCipheringNist creates the AES-GCM suite 0 collaborator. The instance is not safe for
// concurrent use, every association needs its own.
func NewCipheringNist(settings *CipheringSettings) (Ciphering, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	ret := &cipheringnist{
		authenticationMechanismId: settings.AuthenticationMechanismId,
		systemtitleS:              slices.Clone(settings.ServerTitle),
		password:                  slices.Clone(settings.Password),
		stoc:                      slices.Clone(settings.StoC),
	}
	if len(ret.stoc) == 0 {
		ret.stoc = make([]byte, 16)
		if _, err := rand.Read(ret.stoc); err != nil {
			return nil, err
		}
	}

	if settings.EncryptionKey != nil {
		ret.aad = make([]byte, 1+len(settings.AuthenticationKey))
		cr, err := aes.NewCipher(settings.EncryptionKey)
		if err != nil {
			return nil, err
		}
		enc, err := cipher.NewGCMWithTagSize(cr, GCM_TAG_LENGTH)
		if err != nil {
			return nil, err
		}
		ret.nist = enc
		copy(ret.aad[1:], settings.AuthenticationKey)
	}
	return ret, nil
}
