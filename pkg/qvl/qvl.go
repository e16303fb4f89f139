// Package qvl is the Quote Verification Library's top-level entry point: it
// composes quote parsing, the three-part signature verification, PCK chain
// verification, and the TCB policy hook into a single Verify call.
package qvl

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/virtengine/attested-tunnel/pkg/qvl/pckchain"
	"github.com/virtengine/attested-tunnel/pkg/qvl/quote"
	"github.com/virtengine/attested-tunnel/pkg/qvl/sigverify"
	"github.com/virtengine/attested-tunnel/pkg/qvl/tcbpolicy"
	"github.com/virtengine/attested-tunnel/pkg/qvl/x509util"
)

// Kind identifies which quote variant was parsed.
type Kind string

const (
	KindSGX   Kind = "sgx"
	KindTDXv4 Kind = "tdx-v4"
	KindTDXv5 Kind = "tdx-v5"
)

// Options configures Verify. EvalTime defaults to time.Now if zero.
type Options struct {
	EvalTime    time.Time
	PinnedRoots []pckchain.PinnedRoot
	CRLs        []pckchain.CRL

	// TCBHook is the caller-supplied FMSPC/TCB predicate (section 4.4).
	// A nil hook accepts unconditionally.
	TCBHook tcbpolicy.Hook

	// Match is the caller-supplied measurement policy predicate over the
	// parsed quote body (mr_td, mr_enclave, mr_signer, etc). A nil Match
	// accepts unconditionally; Verify only parses and cryptographically
	// validates, it never judges identity on its own.
	Match func(Verified) bool

	// ExternalPCKChainPEM supplies the three-certificate PCK chain out of
	// band for certification data types that do not carry it inline
	// (types 1-4, or an absent type-5 cert_data). Required whenever the
	// quote's signature block has no usable PEM bundle.
	ExternalPCKChainPEM []byte

	// AllowAzureNestedWithoutQeReportSignature accepts the Azure vTPM
	// nested-chain variant (cert_data_type 6/7) even though it has no
	// independently-verifiable encoding for that variant's QE report
	// signature. Default false: Azure nested quotes are rejected unless
	// the caller opts in.
	AllowAzureNestedWithoutQeReportSignature bool
}

// Verified is the outcome of a successful Verify call: the parsed quote
// plus the chain and FMSPC it was verified against.
type Verified struct {
	Kind  Kind
	Sgx   *quote.SgxQuote
	Tdx   *quote.TdxQuote
	Chain pckchain.Chain
	FMSPC string
}

// MrEnclave returns the SGX measurement register, or the zero value for a
// TDX quote.
func (v Verified) MrEnclave() [32]byte {
	if v.Sgx != nil {
		return v.Sgx.Body.MrEnclave
	}
	return [32]byte{}
}

// MrSigner returns the SGX signer measurement, or the zero value for a TDX
// quote.
func (v Verified) MrSigner() [32]byte {
	if v.Sgx != nil {
		return v.Sgx.Body.MrSigner
	}
	return [32]byte{}
}

// MrTd returns the TDX trust-domain measurement, or the zero value for an
// SGX quote.
func (v Verified) MrTd() [48]byte {
	if v.Tdx != nil {
		return v.Tdx.Body.MrTd
	}
	return [48]byte{}
}

// Verify parses data as either an SGX or TDX quote (dispatching on
// header.tee_type), then runs body-signature, QE-binding, QE-report-
// signature, PCK-chain, and TCB-policy checks in that order. A single
// failing check fails the whole verification.
func Verify(data []byte, opts Options) (Verified, error) {
	var out Verified

	if opts.EvalTime.IsZero() {
		opts.EvalTime = time.Now()
	}

	parsed, err := quote.Parse(data)
	if err != nil {
		return out, err
	}

	var sigBlock quote.SignatureBlock
	switch q := parsed.(type) {
	case quote.SgxQuote:
		out.Kind = KindSGX
		out.Sgx = &q
		sigBlock = q.Signature
		if err := sigverify.VerifyBodySignature(sigverify.FromSgx(q)); err != nil {
			return out, err
		}
		if err := sigverify.VerifyQeReportBinding(sigverify.FromSgx(q)); err != nil {
			return out, err
		}
	case quote.TdxQuote:
		if q.Header.Version == 5 {
			out.Kind = KindTDXv5
		} else {
			out.Kind = KindTDXv4
		}
		out.Tdx = &q
		sigBlock = q.Signature
		if err := sigverify.VerifyBodySignature(sigverify.FromTdx(q)); err != nil {
			return out, err
		}
		if err := sigverify.VerifyQeReportBinding(sigverify.FromTdx(q)); err != nil {
			return out, err
		}
	default:
		return out, fmt.Errorf("qvl: unrecognized parsed quote type %T", parsed)
	}

	certs, azureNested, err := resolveChainCerts(sigBlock, opts.ExternalPCKChainPEM)
	if err != nil {
		return out, err
	}
	if azureNested && !opts.AllowAzureNestedWithoutQeReportSignature {
		return out, fmt.Errorf("qvl: Azure vTPM nested PCK chain rejected: caller did not set AllowAzureNestedWithoutQeReportSignature")
	}

	chain, err := pckchain.Normalize(certs)
	if err != nil {
		return out, err
	}
	out.Chain = chain

	if !azureNested {
		if out.Sgx != nil {
			if err := sigverify.VerifyQeReportSignature(sigverify.FromSgx(*out.Sgx), chain.Leaf); err != nil {
				return out, err
			}
		} else {
			if err := sigverify.VerifyQeReportSignature(sigverify.FromTdx(*out.Tdx), chain.Leaf); err != nil {
				return out, err
			}
		}
	}

	chainResult := pckchain.Verify(chain, opts.EvalTime, opts.PinnedRoots, opts.CRLs)
	if chainResult.Status != pckchain.StatusValid {
		return out, fmt.Errorf("qvl: PCK chain status %s: %w", chainResult.Status, chainResult.Err)
	}

	ext, err := x509util.ExtractSGXExtension(chain.Leaf)
	if err != nil {
		return out, fmt.Errorf("qvl: extracting FMSPC: %w", err)
	}
	out.FMSPC = ext.FMSPCHex()

	var quoteValue any = out.Tdx
	if out.Sgx != nil {
		quoteValue = out.Sgx
	}
	if err := tcbpolicy.Evaluate(opts.TCBHook, out.FMSPC, quoteValue); err != nil {
		return out, err
	}

	if opts.Match != nil && !opts.Match(out) {
		return out, fmt.Errorf("qvl: measurement policy rejected quote")
	}

	return out, nil
}

// resolveChainCerts returns the parsed PCK chain certificates, trying in
// order: an inline type-5 bundle, the Azure vTPM nested bundle (reporting
// azureNested=true), then the caller-supplied external chain.
func resolveChainCerts(sig quote.SignatureBlock, external []byte) (certs []*x509.Certificate, azureNested bool, err error) {
	if pems, perr := sig.PEMCertificates(); perr == nil {
		certs, err = x509util.ParsePEMStrings(pems)
		return certs, false, err
	}
	if pems, perr := sig.AzureNestedPEMBundle(); perr == nil {
		certs, err = x509util.ParsePEMStrings(pems)
		return certs, true, err
	}
	if len(external) > 0 {
		certs, err = x509util.ParsePEMBundle(external)
		return certs, false, err
	}
	return nil, false, fmt.Errorf("qvl: no PCK chain available inline and no ExternalPCKChainPEM supplied")
}
