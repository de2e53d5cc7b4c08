package container

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/crypto"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/policy"
)

const (
	wrapModeAll = "all"
	wrapModeAny = "any"

	kekLabel = "medabe/v1/kek"
)

// wrappedKey is the decoded form of Ciphertext.Key.
//
// A conjunction (or single attribute) has one slot keyed by a KEK derived from
// every operand's attribute key, so unwrapping needs all of them. A disjunction
// has one slot per operand.
type wrappedKey struct {
	Mode  string     `json:"mode"`
	Slots []wrapSlot `json:"slots"`
}

type wrapSlot struct {
	Attributes []string `json:"attributes"`
	Nonce      string   `json:"nonce"`
	Sealed     string   `json:"sealed"`
}

var errMissingAttributes = errors.New("key lacks the attributes required by the policy")

func deriveKEK(attributeKeys [][]byte) []byte {
	var material []byte
	for _, k := range attributeKeys {
		material = append(material, k...)
	}
	return keys.Derive(material, kekLabel)
}

func wrapAAD(dataID, expr string) []byte {
	return []byte(dataID + "\x00" + expr)
}

func (c *Codec) wrapDataKey(org *keys.OrganizationAuthority, dataKey []byte, dataID string, expr policy.Expression) (string, error) {
	aad := wrapAAD(dataID, expr.String())
	seal := func(attrs []string) (wrapSlot, error) {
		attrKeys := make([][]byte, 0, len(attrs))
		for _, a := range attrs {
			attrKeys = append(attrKeys, c.hierarchy.DeriveAttributeKey(org, a))
		}
		nonce, sealed, err := crypto.Seal(deriveKEK(attrKeys), dataKey, aad)
		if err != nil {
			return wrapSlot{}, err
		}
		return wrapSlot{
			Attributes: attrs,
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Sealed:     base64.StdEncoding.EncodeToString(sealed),
		}, nil
	}

	wk := wrappedKey{Mode: wrapModeAll}
	if expr.Op == policy.OpOr {
		wk.Mode = wrapModeAny
		for _, operand := range expr.Operands {
			slot, err := seal([]string{operand})
			if err != nil {
				return "", err
			}
			wk.Slots = append(wk.Slots, slot)
		}
	} else {
		slot, err := seal(expr.Operands)
		if err != nil {
			return "", err
		}
		wk.Slots = append(wk.Slots, slot)
	}

	raw, err := json.Marshal(wk)
	if err != nil {
		return "", fmt.Errorf("marshal wrapped key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// unwrapDataKey recovers the data key only if key holds every attribute of some slot.
func unwrapDataKey(key *keys.UserSecretKey, encoded, dataID string, expr policy.Expression) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not base64", abeerr.ErrDecryptionFailed)
	}
	var wk wrappedKey
	if err := json.Unmarshal(raw, &wk); err != nil {
		return nil, fmt.Errorf("%w: wrapped key is malformed", abeerr.ErrDecryptionFailed)
	}

	aad := wrapAAD(dataID, expr.String())
	for _, slot := range wk.Slots {
		attrKeys := make([][]byte, 0, len(slot.Attributes))
		for _, a := range slot.Attributes {
			k, ok := key.AttributeKey(a)
			if !ok {
				attrKeys = nil
				break
			}
			attrKeys = append(attrKeys, k)
		}
		if attrKeys == nil {
			continue
		}
		nonce, err := base64.StdEncoding.DecodeString(slot.Nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: slot nonce is not base64", abeerr.ErrDecryptionFailed)
		}
		sealed, err := base64.StdEncoding.DecodeString(slot.Sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: slot is not base64", abeerr.ErrDecryptionFailed)
		}
		dataKey, err := crypto.Open(deriveKEK(attrKeys), nonce, sealed, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap data key: %w", abeerr.ErrDecryptionFailed, err)
		}
		return dataKey, nil
	}
	return nil, abeerr.NewKeyNotFoundError(errMissingAttributes.Error())
}
