package config

import (
	"encoding/hex"
	"fmt"

	"github.com/linhsiu/gofepd/internal/security"
	"github.com/linhsiu/gofepd/internal/security/keystore"
)

// SecurityConfig represents the [security] section: hex key seeds for
// the software HSM. A production deployment loads keys through the key
// ceremony of a real HSM instead; seeds here serve test hosts and
// development.
type SecurityConfig struct {
	// PEK encrypts PIN blocks on the leg between terminal and switch.
	PEK string `toml:"pek" mapstructure:"pek"`

	// MAK authenticates message bodies.
	MAK string `toml:"mak" mapstructure:"mak"`

	// ZEK is the zone encryption key shared with the switch.
	ZEK string `toml:"zek" mapstructure:"zek"`

	// DEK encrypts stored data such as PANs.
	DEK string `toml:"dek" mapstructure:"dek"`

	// GenerateMissing generates a random key for any type left blank,
	// so a development gateway boots without a key ceremony.
	GenerateMissing bool `toml:"generate_missing" mapstructure:"generate_missing"`
}

type keySeed struct {
	Type keystore.KeyType
	Hex  string
}

func (c SecurityConfig) seedList() []keySeed {
	return []keySeed{
		{keystore.PEK, c.PEK},
		{keystore.MAK, c.MAK},
		{keystore.ZEK, c.ZEK},
		{keystore.DEK, c.DEK},
	}
}

// KeySeeds decodes the configured key material by type. Blank entries
// are omitted. Callers own the returned slices and must erase them
// after import.
func (c SecurityConfig) KeySeeds() (map[keystore.KeyType][]byte, error) {
	out := make(map[keystore.KeyType][]byte)
	for _, s := range c.seedList() {
		if s.Hex == "" {
			continue
		}
		material, err := hex.DecodeString(s.Hex)
		if err != nil {
			return nil, fmt.Errorf("%s seed is not valid hex", s.Type)
		}
		out[s.Type] = material
	}
	return out, nil
}

// Validate checks that every configured seed decodes to a supported
// key length. Seed values never appear in error messages.
func (c SecurityConfig) Validate() error {
	for _, s := range c.seedList() {
		if s.Hex == "" {
			continue
		}
		material, err := hex.DecodeString(s.Hex)
		if err != nil {
			return fmt.Errorf("%s seed is not valid hex", s.Type)
		}
		n := len(material)
		security.Erase(material)
		switch n {
		case security.DESKeySize, security.DoubleLengthSize, security.TripleDESKeySize, security.AES256KeySize:
		default:
			return fmt.Errorf("%s seed has unsupported length %d (supported: 8, 16, 24, 32 bytes)", s.Type, n)
		}
	}
	return nil
}
