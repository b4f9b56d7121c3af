// Package signing implements the per-provider signature schemes used to
// authenticate outbound requests and inbound confirmations.
//
// Each provider mandates its own canonicalization; signatures are verified
// with hmac.Equal so a forger learns nothing from response timing.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// QRWalletFields are the IPN/create fields the QR-wallet provider signs.
// The canonical string uses the provider's fixed field order, which is not
// alphabetical; do not reorder.
type QRWalletFields struct {
	AccessKey    string
	Amount       string
	ExtraData    string
	IPNURL       string
	OrderID      string
	OrderInfo    string
	PartnerCode  string
	RedirectURL  string
	RequestID    string
	RequestType  string
	Message      string
	OrderType    string
	PayType      string
	ResponseTime string
	ResultCode   string
	TransID      string
}

// QRWalletSigner signs and verifies QR-wallet requests and callbacks.
type QRWalletSigner struct {
	AccessKey string
	Secret    string
}

// SignCreate produces the signature for an outbound create-payment request.
// Field order is mandated by the provider's API contract.
func (s QRWalletSigner) SignCreate(f QRWalletFields) string {
	raw := strings.Join([]string{
		"accessKey=" + s.AccessKey,
		"amount=" + f.Amount,
		"extraData=" + f.ExtraData,
		"ipnUrl=" + f.IPNURL,
		"orderId=" + f.OrderID,
		"orderInfo=" + f.OrderInfo,
		"partnerCode=" + f.PartnerCode,
		"redirectUrl=" + f.RedirectURL,
		"requestId=" + f.RequestID,
		"requestType=" + f.RequestType,
	}, "&")
	return hmacSHA256Hex(s.Secret, raw)
}

// SignIPN produces the signature over the IPN callback fields (excluding
// the signature itself), in the provider's fixed order.
func (s QRWalletSigner) SignIPN(f QRWalletFields) string {
	raw := strings.Join([]string{
		"accessKey=" + s.AccessKey,
		"amount=" + f.Amount,
		"extraData=" + f.ExtraData,
		"message=" + f.Message,
		"orderId=" + f.OrderID,
		"orderInfo=" + f.OrderInfo,
		"orderType=" + f.OrderType,
		"partnerCode=" + f.PartnerCode,
		"payType=" + f.PayType,
		"requestId=" + f.RequestID,
		"responseTime=" + f.ResponseTime,
		"resultCode=" + f.ResultCode,
		"transId=" + f.TransID,
	}, "&")
	return hmacSHA256Hex(s.Secret, raw)
}

// SignQuery produces the signature for a status-query request.
func (s QRWalletSigner) SignQuery(orderID, partnerCode, requestID string) string {
	raw := "accessKey=" + s.AccessKey +
		"&orderId=" + orderID +
		"&partnerCode=" + partnerCode +
		"&requestId=" + requestID
	return hmacSHA256Hex(s.Secret, raw)
}

// VerifyIPN checks an inbound IPN signature in constant time.
func (s QRWalletSigner) VerifyIPN(f QRWalletFields, signature string) bool {
	return hmacEqualHex(s.SignIPN(f), signature)
}

// CardGatewaySigner signs and verifies card-gateway requests: parameters
// sorted lexicographically by key, values URL-encoded, joined with '&',
// HMAC-SHA512, hex.
type CardGatewaySigner struct {
	Secret string
}

// hash-field names excluded from the signed canonical string.
const (
	secureHashParam     = "vnp_SecureHash"
	secureHashTypeParam = "vnp_SecureHashType"
)

// Sign produces the signature over the given params.
func (s CardGatewaySigner) Sign(params map[string]string) string {
	return hmacSHA512Hex(s.Secret, canonicalQuery(params))
}

// Verify checks an inbound redirect-return/IPN signature in constant time.
// The hash fields themselves are stripped before canonicalization.
func (s CardGatewaySigner) Verify(params map[string]string, signature string) bool {
	clean := make(map[string]string, len(params))
	for k, v := range params {
		if k == secureHashParam || k == secureHashTypeParam {
			continue
		}
		clean[k] = v
	}
	return hmacEqualHex(s.Sign(clean), signature)
}

// canonicalQuery builds the sorted, URL-encoded canonical string.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if params[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

func hmacSHA256Hex(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func hmacSHA512Hex(secret, payload string) string {
	h := hmac.New(sha512.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// hmacEqualHex compares two hex signatures in constant time.
// Case differences in hex encoding are not signature differences.
func hmacEqualHex(want, got string) bool {
	return hmac.Equal([]byte(strings.ToLower(want)), []byte(strings.ToLower(got)))
}
