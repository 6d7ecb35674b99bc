// Package ciphering provides the security suite 0 collaborator of the server: AES-GCM
// protection of glo-ciphered APDUs and the authentication hashes exchanged during HLS.
//
// Every association owns its own Ciphering instance. Setup is called once the AARQ has
// delivered the client system title and challenge; before that only low level
// authentication can be verified.
package ciphering

import (
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/base"
)

const (
	GCM_TAG_LENGTH = 12
	TitleLength    = 8
)

type Ciphering interface {
	// Setup stores the client system title and client challenge CtoS taken from the AARQ.
	Setup(systemtitleC []byte, ctos []byte) error
	// Challenge returns the server challenge StoC generated for this association.
	Challenge() []byte
	SystemTitle() []byte
	ClientSystemTitle() []byte
	// Hash computes the server response f(CtoS) sent back in reply_to_HLS_authentication.
	Hash(sc byte, fc uint32) ([]byte, error)
	// Verify checks the client response f(StoC), or the password for low level authentication.
	Verify(sc byte, fc uint32, hash []byte) (bool, error)
	GetEncryptLength(sc byte, apdu []byte) (int, error)
	// Encrypt protects a server originated apdu, ret can be nil.
	Encrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error)
	// Decrypt removes the protection of a client originated apdu, ret can be nil.
	Decrypt(ret []byte, sc byte, fc uint32, apdu []byte) ([]byte, error)
}

type CipheringSettings struct {
	EncryptionKey             []byte
	AuthenticationKey         []byte
	ServerTitle               []byte
	Password                  []byte
	AuthenticationMechanismId base.Authentication
	// StoC is the server challenge, a random one is generated when empty.
	StoC []byte
}

func (s *CipheringSettings) Validate() error {
	if s.EncryptionKey != nil {
		switch len(s.EncryptionKey) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("EK has to be 16, 24 or 32 bytes long")
		}
		if s.AuthenticationKey != nil {
			switch len(s.AuthenticationKey) {
			case 16, 24, 32:
			default:
				return fmt.Errorf("AK has to be 16, 24 or 32 bytes long")
			}
		}
	}
	if len(s.ServerTitle) != TitleLength {
		return fmt.Errorf("systitle has to be 8 bytes long")
	}
	if len(s.StoC) != 0 && (len(s.StoC) < 8 || len(s.StoC) > 64) {
		return fmt.Errorf("stoc has to be 8 to 64 bytes long")
	}

	switch s.AuthenticationMechanismId {
	case base.AuthenticationNone, base.AuthenticationLow:
		return nil
	case base.AuthenticationHighMD5, base.AuthenticationHighSHA1:
		if len(s.Password) == 0 {
			return fmt.Errorf("authentication mechanism %v requires password", s.AuthenticationMechanismId)
		}
		return nil
	case base.AuthenticationHighGmac, base.AuthenticationHighSha256:
		if s.EncryptionKey == nil {
			return fmt.Errorf("authentication mechanism %v requires encryption key", s.AuthenticationMechanismId)
		}
		return nil
	case base.AuthenticationHigh:
		return fmt.Errorf("high authentication not implemented, this is manufacturer specific mostly")
	default:
		return fmt.Errorf("unsupported authentication mechanism: %v", s.AuthenticationMechanismId)
	}
}
