// Package hsm defines the hardware security module boundary. The
// gateway ships a software implementation backed by the in-process key
// manager; production deployments swap in a network adapter without
// touching callers.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/security"
	"github.com/linhsiu/gofepd/internal/security/keystore"
	"github.com/linhsiu/gofepd/internal/security/mac"
	"github.com/linhsiu/gofepd/internal/security/pinblock"
)

// Operation names one HSM command.
type Operation string

const (
	OpGenerateKey       Operation = "generateKey"
	OpImportKey         Operation = "importKey"
	OpExportKey         Operation = "exportKey"
	OpTranslatePinBlock Operation = "translatePinBlock"
	OpGenerateMAC       Operation = "generateMac"
	OpVerifyMAC         Operation = "verifyMac"
	OpEncrypt           Operation = "encrypt"
	OpDecrypt           Operation = "decrypt"
	OpStatus            Operation = "status"
	OpDiagnostics       Operation = "diagnostics"
)

var (
	ErrUnknownOperation = errors.New("unknown hsm operation")
	ErrMissingParameter = errors.New("missing hsm request parameter")
)

// Request is one command to the module. Fields are operation-specific;
// unset fields are ignored.
type Request struct {
	Op        Operation
	KeyID     string // operand key (id or alias)
	DestKeyID string // destination key for translate/export
	KeyType   keystore.KeyType
	Alias     string
	Length    int
	Algorithm string // MAC algorithm name
	Data      []byte // message body, plaintext, ciphertext or wrapped key
	MAC       []byte
	PINBlock  *pinblock.Block
}

// Response carries the operation result. Error is set instead of a Go
// error when the module itself worked but the command failed, matching
// how a hardware module reports condition codes.
type Response struct {
	OK       bool
	Error    string
	KeyInfo  keystore.Info
	Data     []byte
	MAC      []byte
	Verified bool
	PINBlock *pinblock.Block
	Status   map[string]string
}

// Adapter is the pluggable module boundary.
type Adapter interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// SoftHSM implements Adapter on the in-process key manager. It exists
// so the rest of the gateway only ever sees the Adapter contract.
type SoftHSM struct {
	keys *keystore.Manager
	pins *pinblock.Service
	log  zerolog.Logger

	started time.Time
	ops     atomic.Uint64
	fails   atomic.Uint64
}

// NewSoftHSM wraps a key manager in the module contract.
func NewSoftHSM(keys *keystore.Manager, log zerolog.Logger) *SoftHSM {
	return &SoftHSM{
		keys:    keys,
		pins:    pinblock.NewService(keys),
		log:     log.With().Str("component", "hsm").Logger(),
		started: time.Now(),
	}
}

// Execute dispatches one command. Context cancellation is honored
// before any key material is touched.
func (h *SoftHSM) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrUnknownOperation)
	}
	h.ops.Add(1)
	resp, err := h.dispatch(req)
	if err != nil {
		h.fails.Add(1)
		h.log.Error().Str("op", string(req.Op)).Err(err).Msg("hsm command failed")
		return &Response{OK: false, Error: err.Error()}, nil
	}
	resp.OK = true
	return resp, nil
}

func (h *SoftHSM) dispatch(req *Request) (*Response, error) {
	switch req.Op {
	case OpGenerateKey:
		info, err := h.keys.Generate(req.KeyType, req.Alias, req.Length, 0)
		if err != nil {
			return nil, err
		}
		return &Response{KeyInfo: info}, nil

	case OpImportKey:
		return h.importKey(req)

	case OpExportKey:
		return h.exportKey(req)

	case OpTranslatePinBlock:
		if req.PINBlock == nil || req.DestKeyID == "" {
			return nil, fmt.Errorf("%w: pin block and destination key", ErrMissingParameter)
		}
		out, err := h.pins.Translate(req.PINBlock, req.DestKeyID)
		if err != nil {
			return nil, err
		}
		return &Response{PINBlock: out}, nil

	case OpGenerateMAC:
		alg, err := mac.ParseAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		key, err := h.keys.EncryptKey(req.KeyID)
		if err != nil {
			return nil, err
		}
		defer security.Erase(key)
		m, err := mac.Calculate(alg, key, req.Data)
		if err != nil {
			return nil, err
		}
		return &Response{MAC: m}, nil

	case OpVerifyMAC:
		alg, err := mac.ParseAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		key, err := h.keys.DecryptKey(req.KeyID)
		if err != nil {
			return nil, err
		}
		defer security.Erase(key)
		ok, err := mac.Verify(alg, key, req.Data, req.MAC)
		if err != nil {
			return nil, err
		}
		return &Response{Verified: ok}, nil

	case OpEncrypt:
		key, err := h.keys.EncryptKey(req.KeyID)
		if err != nil {
			return nil, err
		}
		defer security.Erase(key)
		padded := security.PadISO2(req.Data, 8)
		defer security.Erase(padded)
		out, err := security.EncryptTDESECB(key, padded)
		if err != nil {
			return nil, err
		}
		return &Response{Data: out}, nil

	case OpDecrypt:
		key, err := h.keys.DecryptKey(req.KeyID)
		if err != nil {
			return nil, err
		}
		defer security.Erase(key)
		clear, err := security.DecryptTDESECB(key, req.Data)
		if err != nil {
			return nil, err
		}
		body, err := security.UnpadISO2(clear)
		if err != nil {
			security.Erase(clear)
			return nil, err
		}
		out := make([]byte, len(body))
		copy(out, body)
		security.Erase(clear)
		return &Response{Data: out}, nil

	case OpStatus:
		return &Response{Status: map[string]string{
			"state":  "online",
			"keys":   strconv.Itoa(len(h.keys.List())),
			"uptime": time.Since(h.started).Truncate(time.Second).String(),
		}}, nil

	case OpDiagnostics:
		return &Response{Status: map[string]string{
			"operations": strconv.FormatUint(h.ops.Load(), 10),
			"failures":   strconv.FormatUint(h.fails.Load(), 10),
			"impl":       "soft",
		}}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Op)
	}
}

// importKey unwraps material carried under the KEK named by KeyID and
// registers it as a new key.
func (h *SoftHSM) importKey(req *Request) (*Response, error) {
	if req.KeyID == "" || len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: kek and wrapped material", ErrMissingParameter)
	}
	kek, err := h.keys.DecryptKey(req.KeyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(kek)
	clear, err := security.DecryptTDESECB(kek, req.Data)
	if err != nil {
		return nil, err
	}
	// Import zeroizes clear.
	info, err := h.keys.Import(req.KeyType, req.Alias, clear, 0)
	if err != nil {
		return nil, err
	}
	return &Response{KeyInfo: info}, nil
}

// exportKey wraps the material of KeyID under the KEK named by
// DestKeyID. Only ACTIVE keys may leave the module.
func (h *SoftHSM) exportKey(req *Request) (*Response, error) {
	if req.KeyID == "" || req.DestKeyID == "" {
		return nil, fmt.Errorf("%w: key and kek", ErrMissingParameter)
	}
	material, err := h.keys.EncryptKey(req.KeyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(material)
	kek, err := h.keys.EncryptKey(req.DestKeyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(kek)
	wrapped, err := security.EncryptTDESECB(kek, material)
	if err != nil {
		return nil, err
	}
	return &Response{Data: wrapped}, nil
}
