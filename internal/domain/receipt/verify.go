package receipt

import (
	"context"
	"fmt"
)

// VerifyProblem describes one integrity failure found during chain
// verification.
type VerifyProblem struct {
	// Sequence is the chain position of the offending receipt (0 for
	// head-level problems).
	Sequence int64
	// ReceiptID is the offending receipt's id, when known.
	ReceiptID string
	// Check names the failed check: "signature", "link", "hash", "head".
	Check string
	// Detail is a human-readable explanation.
	Detail string
}

func (p VerifyProblem) String() string {
	return fmt.Sprintf("seq %d (%s): %s: %s", p.Sequence, p.ReceiptID, p.Check, p.Detail)
}

// VerifyReport is the outcome of verifying one scope's chain.
type VerifyReport struct {
	ScopeID  string
	Receipts int
	Problems []VerifyProblem
}

// OK reports whether the chain verified clean.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verifier walks stored chains end to end, recomputing every hash and
// signature. Detection, not prevention: a compromised store can rewrite
// rows, but it cannot forge signatures or relink hashes without the private
// key, so any tampering surfaces here.
type Verifier struct {
	store    ChainStore
	registry *KeyRegistry
}

// NewVerifier creates a chain verifier.
func NewVerifier(store ChainStore, registry *KeyRegistry) *Verifier {
	return &Verifier{store: store, registry: registry}
}

// VerifyScope checks the full chain for one scope: each receipt's signature,
// its recomputed content hash against the stored hash, each link to the
// previous receipt's hash (genesis for the first), and the stored head
// against the terminal receipt.
func (v *Verifier) VerifyScope(ctx context.Context, scopeID string) (*VerifyReport, error) {
	receipts, err := v.store.ListReceipts(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	head, err := v.store.GetHead(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	report := &VerifyReport{ScopeID: scopeID, Receipts: len(receipts)}
	prevHash := GenesisHash
	for _, sr := range receipts {
		r := sr.Receipt

		if err := v.registry.Verify(r); err != nil {
			report.Problems = append(report.Problems, VerifyProblem{
				Sequence: sr.Sequence, ReceiptID: r.ReceiptID,
				Check: "signature", Detail: err.Error(),
			})
		}

		computed, err := r.ContentHash()
		if err != nil {
			report.Problems = append(report.Problems, VerifyProblem{
				Sequence: sr.Sequence, ReceiptID: r.ReceiptID,
				Check: "hash", Detail: err.Error(),
			})
			prevHash = sr.Hash
			continue
		}
		if computed != sr.Hash {
			report.Problems = append(report.Problems, VerifyProblem{
				Sequence: sr.Sequence, ReceiptID: r.ReceiptID,
				Check: "hash",
				Detail: fmt.Sprintf("stored hash %s, recomputed %s", sr.Hash, computed),
			})
		}

		if r.Proof.PrevReceiptHash != prevHash {
			report.Problems = append(report.Problems, VerifyProblem{
				Sequence: sr.Sequence, ReceiptID: r.ReceiptID,
				Check: "link",
				Detail: fmt.Sprintf("prev hash %s, expected %s", r.Proof.PrevReceiptHash, prevHash),
			})
		}
		prevHash = sr.Hash
	}

	switch {
	case head == nil && len(receipts) > 0:
		report.Problems = append(report.Problems, VerifyProblem{
			Check: "head", Detail: "receipts exist but chain head is missing",
		})
	case head != nil && len(receipts) == 0:
		report.Problems = append(report.Problems, VerifyProblem{
			Check: "head", Detail: "chain head exists but no receipts stored",
		})
	case head != nil:
		last := receipts[len(receipts)-1]
		if head.LastHash != last.Hash {
			report.Problems = append(report.Problems, VerifyProblem{
				Sequence: last.Sequence, ReceiptID: last.Receipt.ReceiptID,
				Check: "head",
				Detail: fmt.Sprintf("head hash %s, terminal receipt hash %s", head.LastHash, last.Hash),
			})
		}
		if head.Sequence != last.Sequence {
			report.Problems = append(report.Problems, VerifyProblem{
				Sequence: last.Sequence, ReceiptID: last.Receipt.ReceiptID,
				Check: "head",
				Detail: fmt.Sprintf("head sequence %d, terminal receipt sequence %d", head.Sequence, last.Sequence),
			})
		}
	}

	return report, nil
}
