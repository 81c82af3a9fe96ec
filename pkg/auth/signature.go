// Package auth checks that a scan request was signed by the wallet it names.
//
// Signatures are EIP-191 personal messages ("\x19Ethereum Signed Message:\n"
// + length + message) over the submitted code, as produced by wallet
// signMessage calls. Verification is opt-in; when it is off the wallet and
// signature fields are accepted and ignored.
package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

const signatureLength = 65

// Config configures signature checking.
type Config struct {
	// RequireSignature rejects requests whose signature does not recover to
	// the claimed wallet.
	RequireSignature bool `yaml:"require_signature" json:"require_signature"`
}

// Verifier checks request signatures.
type Verifier struct {
	required bool
}

// NewVerifier creates a verifier. A nil config disables checking.
func NewVerifier(cfg *Config) *Verifier {
	v := &Verifier{}
	if cfg != nil {
		v.required = cfg.RequireSignature
	}
	return v
}

// Required reports whether requests must carry a valid signature.
func (v *Verifier) Required() bool {
	return v != nil && v.required
}

// Check verifies the request when checking is enabled and is a no-op
// otherwise.
func (v *Verifier) Check(wallet, message, signature string) error {
	if !v.Required() {
		return nil
	}
	return Verify(wallet, message, signature)
}

// Verify reports whether signature is wallet's personal signature of message.
// Both 27/28 and 0/1 recovery ids are accepted.
func Verify(wallet, message, signature string) error {
	const op = "auth.Verify"

	if !common.IsHexAddress(wallet) {
		return errs.E(errs.KindAuthentication, op, "wallet is not a valid address")
	}
	want := common.HexToAddress(wallet)

	got, err := Recover(message, signature)
	if err != nil {
		return err
	}
	if got != want {
		return errs.E(errs.KindAuthentication, op, "signature was not made by wallet", errs.ErrSignatureMismatch)
	}
	return nil
}

// Recover returns the address that produced signature over message.
func Recover(message, signature string) (common.Address, error) {
	const op = "auth.Recover"

	sig, err := hexutil.Decode(withPrefix(strings.TrimSpace(signature)))
	if err != nil {
		return common.Address{}, errs.E(errs.KindAuthentication, op, "signature is not hex", err)
	}
	if len(sig) != signatureLength {
		return common.Address{}, errs.E(errs.KindAuthentication, op, "signature must be 65 bytes")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, errs.E(errs.KindAuthentication, op, "recover public key", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a personal signature of message with key material in hex.
// Used by the CLI and tests to build signed requests.
func Sign(privateKeyHex, message string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return "", errs.E(errs.KindInvalidInput, "auth.Sign", "invalid private key", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", errs.E(errs.KindInternal, "auth.Sign", "sign message", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func withPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
