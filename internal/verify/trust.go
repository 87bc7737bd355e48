package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/openpgp"
	pgperrors "golang.org/x/crypto/openpgp/errors"
)

// Trust 是签名检查的三态结果，只有 TrustTrusted 允许继续。
type Trust int

const (
	TrustUnknown Trust = iota
	TrustUntrusted
	TrustTrusted
)

func (t Trust) String() string {
	switch t {
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	default:
		return "unknown"
	}
}

// Signature 指向从索引包中解出的文件（均为绝对路径）。
type Signature struct {
	Keyring   string
	Signature string
	Signed    string
}

// Verdict 是一次签名检查的结论；Signer 为签名者主密钥指纹（可能为空）。
type Verdict struct {
	Trust  Trust
	Signer string
}

// TrustVerifier 判断某站点的签名是否可信。
type TrustVerifier interface {
	Verify(ctx context.Context, site string, sig Signature) (Verdict, error)
}

// KeyringVerifier 使用索引包自带的公钥环校验分离签名，再用配置的信任库
// 判断签名者是否被该站点信任。
type KeyringVerifier struct {
	trusted map[string]map[string]struct{}
}

// NewKeyringVerifier 以 site -> 指纹列表构建校验器，指纹需为大写十六进制。
func NewKeyringVerifier(store map[string][]string) *KeyringVerifier {
	trusted := make(map[string]map[string]struct{}, len(store))
	for site, keys := range store {
		set := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			set[strings.ToUpper(key)] = struct{}{}
		}
		trusted[strings.ToLower(site)] = set
	}
	return &KeyringVerifier{trusted: trusted}
}

// Verify 校验 sig.Signed 的分离签名：签名无效为 Untrusted；签名者不在公钥环
// 或不在站点信任库中为 Unknown；两者都满足才是 Trusted。
func (v *KeyringVerifier) Verify(ctx context.Context, site string, sig Signature) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	keyringData, err := os.ReadFile(sig.Keyring)
	if err != nil {
		return Verdict{}, fmt.Errorf("read keyring: %w", err)
	}
	keyring, err := readKeyRing(keyringData)
	if err != nil {
		return Verdict{Trust: TrustUntrusted}, fmt.Errorf("parse keyring: %w", err)
	}

	sigData, err := os.ReadFile(sig.Signature)
	if err != nil {
		return Verdict{}, fmt.Errorf("read signature: %w", err)
	}
	signed, err := os.Open(sig.Signed)
	if err != nil {
		return Verdict{}, fmt.Errorf("open signed file: %w", err)
	}
	defer signed.Close()

	var signer *openpgp.Entity
	if isArmored(sigData) {
		signer, err = openpgp.CheckArmoredDetachedSignature(keyring, signed, bytes.NewReader(sigData))
	} else {
		signer, err = openpgp.CheckDetachedSignature(keyring, signed, bytes.NewReader(sigData))
	}
	switch {
	case errors.Is(err, pgperrors.ErrUnknownIssuer):
		return Verdict{Trust: TrustUnknown}, nil
	case err != nil:
		return Verdict{Trust: TrustUntrusted}, nil
	}

	fp := Fingerprint(signer)
	if _, ok := v.trusted[strings.ToLower(site)][fp]; ok {
		return Verdict{Trust: TrustTrusted, Signer: fp}, nil
	}
	return Verdict{Trust: TrustUnknown, Signer: fp}, nil
}

// Fingerprint 返回实体主密钥的大写十六进制指纹。
func Fingerprint(e *openpgp.Entity) string {
	if e == nil || e.PrimaryKey == nil {
		return ""
	}
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

func readKeyRing(data []byte) (openpgp.EntityList, error) {
	if isArmored(data) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

func isArmored(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN"))
}
