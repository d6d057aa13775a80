package receipt_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tollgate-ai/tollgate/internal/adapter/outbound/memory"
	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSigner(t *testing.T) *receipt.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := receipt.NewSigner("key-test-1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func sampleReceipt(id string) *receipt.Receipt {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &receipt.Receipt{
		ReceiptID: id,
		RequestID: "req-" + id,
		Meta:      receipt.Meta{Tenant: "acme", Agent: "agent-1", Session: "sess-1"},
		Operation: receipt.Operation{ToolName: "search", Method: "tools/call"},
		Proof: receipt.Proof{
			RequestHash:  "reqhash",
			ResponseHash: "resphash",
			Nonce:        "nonce-" + id,
		},
		Decision: receipt.DecisionRecord{
			Decision:    "allow",
			ReasonCodes: []string{"RULE_MATCH"},
		},
		Economic:   receipt.Economic{CostSettled: 0.03012, Currency: "USD"},
		Timestamps: receipt.Timestamps{CreatedAt: ts, SettledAt: ts.Add(time.Second)},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	registry := receipt.NewKeyRegistry()
	if err := registry.Register(signer.KeyID(), signer.Public()); err != nil {
		t.Fatalf("register: %v", err)
	}

	r := sampleReceipt("r1")
	r.Proof.PrevReceiptHash = receipt.GenesisHash
	if err := signer.Sign(r); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if r.Signature == nil || r.Signature.Alg != receipt.SignatureAlg {
		t.Fatalf("signature = %+v", r.Signature)
	}
	if err := registry.Verify(r); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Any field mutation breaks the signature.
	r.Economic.CostSettled = 0.04
	if err := registry.Verify(r); !errors.Is(err, receipt.ErrBadSignature) {
		t.Errorf("verify mutated receipt = %v, want ErrBadSignature", err)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	signer := newTestSigner(t)
	r := sampleReceipt("r1")
	r.Proof.PrevReceiptHash = receipt.GenesisHash
	if err := signer.Sign(r); err != nil {
		t.Fatalf("sign: %v", err)
	}
	empty := receipt.NewKeyRegistry()
	if err := empty.Verify(r); !errors.Is(err, receipt.ErrUnknownKey) {
		t.Errorf("verify = %v, want ErrUnknownKey", err)
	}
}

func TestChainAppendLinks(t *testing.T) {
	signer := newTestSigner(t)
	store := memory.NewChainStore()
	cm := receipt.NewChainManager(store, signer, testLogger())
	ctx := context.Background()

	h1, err := cm.Append(ctx, "tenant:acme", sampleReceipt("r1"))
	if err != nil {
		t.Fatalf("append r1: %v", err)
	}
	h2, err := cm.Append(ctx, "tenant:acme", sampleReceipt("r2"))
	if err != nil {
		t.Fatalf("append r2: %v", err)
	}

	stored, err := store.ListReceipts(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d receipts", len(stored))
	}
	if got := stored[0].Receipt.Proof.PrevReceiptHash; got != receipt.GenesisHash {
		t.Errorf("first prev hash = %q, want genesis", got)
	}
	if len(receipt.GenesisHash) != 64 || strings.Trim(receipt.GenesisHash, "0") != "" {
		t.Errorf("genesis hash malformed: %q", receipt.GenesisHash)
	}
	if got := stored[1].Receipt.Proof.PrevReceiptHash; got != h1 {
		t.Errorf("second prev hash = %q, want %q", got, h1)
	}

	head, err := store.GetHead(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.LastHash != h2 || head.Sequence != 2 {
		t.Errorf("head = %+v", head)
	}
}

func TestChainsIndependentPerScope(t *testing.T) {
	signer := newTestSigner(t)
	store := memory.NewChainStore()
	cm := receipt.NewChainManager(store, signer, testLogger())
	ctx := context.Background()

	if _, err := cm.Append(ctx, "tenant:acme", sampleReceipt("a1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := cm.Append(ctx, "tenant:globex", sampleReceipt("g1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	stored, _ := store.ListReceipts(ctx, "tenant:globex")
	if len(stored) != 1 || stored[0].Receipt.Proof.PrevReceiptHash != receipt.GenesisHash {
		t.Errorf("globex chain not rooted at genesis: %+v", stored)
	}
}

// contendedStore rejects the first n appends with a concurrency violation,
// simulating a racing writer advancing the head.
type contendedStore struct {
	*memory.ChainStore
	rejects int
}

func (s *contendedStore) AppendReceipt(ctx context.Context, scopeID, prevHash string, state *receipt.ChainState, rec *receipt.StoredReceipt) error {
	if s.rejects > 0 {
		s.rejects--
		return receipt.ErrConcurrencyViolation
	}
	return s.ChainStore.AppendReceipt(ctx, scopeID, prevHash, state, rec)
}

func TestChainAppendRetriesOnContention(t *testing.T) {
	signer := newTestSigner(t)
	store := &contendedStore{ChainStore: memory.NewChainStore(), rejects: 2}
	cm := receipt.NewChainManager(store, signer, testLogger())

	if _, err := cm.Append(context.Background(), "tenant:acme", sampleReceipt("r1")); err != nil {
		t.Fatalf("append with contention: %v", err)
	}
}

func TestChainAppendExhaustsRetries(t *testing.T) {
	signer := newTestSigner(t)
	store := &contendedStore{ChainStore: memory.NewChainStore(), rejects: 100}
	cm := receipt.NewChainManager(store, signer, testLogger())

	_, err := cm.Append(context.Background(), "tenant:acme", sampleReceipt("r1"))
	if !errors.Is(err, receipt.ErrConcurrencyViolation) {
		t.Fatalf("append = %v, want ErrConcurrencyViolation", err)
	}
}

func TestConcurrentAppendsPreserveChain(t *testing.T) {
	signer := newTestSigner(t)
	store := memory.NewChainStore()
	cm := receipt.NewChainManager(store, signer, testLogger())
	registry := receipt.NewKeyRegistry()
	if err := registry.Register(signer.KeyID(), signer.Public()); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	// Sequential here: the memory store serializes appends, and the CAS
	// retry path is covered above. This checks that repeated appends keep
	// the chain verifiable end to end.
	for i := 0; i < 10; i++ {
		if _, err := cm.Append(ctx, "tenant:acme", sampleReceipt(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	report, err := receipt.NewVerifier(store, registry).VerifyScope(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() {
		t.Errorf("chain dirty: %v", report.Problems)
	}
	if report.Receipts != 10 {
		t.Errorf("verified %d receipts, want 10", report.Receipts)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer := newTestSigner(t)
	store := memory.NewChainStore()
	cm := receipt.NewChainManager(store, signer, testLogger())
	registry := receipt.NewKeyRegistry()
	if err := registry.Register(signer.KeyID(), signer.Public()); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cm.Append(ctx, "tenant:acme", sampleReceipt(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Rewrite the middle receipt's settled cost behind the store's back.
	store.Tamper("tenant:acme", 1, func(sr *receipt.StoredReceipt) {
		sr.Receipt.Economic.CostSettled = 0.0
	})

	report, err := receipt.NewVerifier(store, registry).VerifyScope(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() {
		t.Fatal("verifier missed tampered receipt")
	}
	var checks []string
	for _, p := range report.Problems {
		checks = append(checks, p.Check)
	}
	// The forged receipt fails its signature and its stored hash no longer
	// matches its content.
	found := map[string]bool{}
	for _, c := range checks {
		found[c] = true
	}
	if !found["signature"] || !found["hash"] {
		t.Errorf("problem checks = %v, want signature and hash failures", checks)
	}
}

func TestVerifyCleanEmptyScope(t *testing.T) {
	store := memory.NewChainStore()
	registry := receipt.NewKeyRegistry()
	report, err := receipt.NewVerifier(store, registry).VerifyScope(context.Background(), "tenant:none")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() || report.Receipts != 0 {
		t.Errorf("report = %+v", report)
	}
}
