package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the request header carrying the event signature.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds the accepted clock skew between signer and verifier.
const DefaultTolerance = 5 * time.Minute

// ErrMissingHeader indicates the request carried no signature header.
var ErrMissingHeader = errors.New("missing signature header")

// ErrMalformedHeader indicates the signature header could not be parsed.
var ErrMalformedHeader = errors.New("malformed signature header")

// ErrBadSignature indicates no signature in the header matched the payload.
var ErrBadSignature = errors.New("signature mismatch")

// ErrTimestampOutsideTolerance indicates the signed timestamp is too far from now.
var ErrTimestampOutsideTolerance = errors.New("timestamp outside tolerance")

// VerificationError wraps every reason a payload is rejected.
type VerificationError struct {
	Err error
}

func (e *VerificationError) Error() string {
	return "webhook verification failed: " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Verifier authenticates webhook payloads against a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTolerance sets the accepted clock skew. Zero disables the check.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

// WithClock replaces time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates payload against the signature header and decodes it.
// Header format: t=<unix seconds>,v1=<hex hmac>[,v1=<hex hmac>...]
func Verify(payload []byte, header, secret string) (*Event, error) {
	return NewVerifier(secret).Verify(payload, header)
}

// Verify authenticates payload against the signature header and decodes it.
// The signed message is "<t>.<payload>" over the exact raw bytes.
func (v *Verifier) Verify(payload []byte, header string) (*Event, error) {
	if header == "" {
		return nil, &VerificationError{Err: ErrMissingHeader}
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}

	expected := computeSignature(v.secret, ts, payload)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, &VerificationError{Err: ErrBadSignature}
	}

	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return nil, &VerificationError{Err: fmt.Errorf("%w: %s", ErrTimestampOutsideTolerance, skew.Round(time.Second))}
		}
	}

	return Decode(payload), nil
}

func parseHeader(header string) (int64, [][]byte, error) {
	var ts int64
	var haveTS bool
	var sigs [][]byte

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, fmt.Errorf("%w: %q", ErrMalformedHeader, part)
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp: %v", ErrMalformedHeader, err)
			}
			ts, haveTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				// Unparseable signatures simply never match
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if !haveTS {
		return 0, nil, fmt.Errorf("%w: no timestamp", ErrMalformedHeader)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: no v1 signature", ErrBadSignature)
	}
	return ts, sigs, nil
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign returns a signature header value for payload signed at ts.
func Sign(payload []byte, secret string, ts time.Time) string {
	sig := computeSignature([]byte(secret), ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}
