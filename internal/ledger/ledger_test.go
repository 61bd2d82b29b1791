package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/verdant-health/chartsync/internal/cryptobox"
	"github.com/verdant-health/chartsync/internal/securestore"
)

const testNamespace = "did:plc:nurse1"

func testLedger(t *testing.T) (*Ledger, *securestore.InMemoryBackend, cryptobox.Key) {
	t.Helper()
	d, err := cryptobox.NewDeriver(bytes.Repeat([]byte{0x11}, cryptobox.MinRootSecretSize))
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}
	key, err := d.DeriveKey(testNamespace)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	backend := securestore.NewInMemoryBackend()
	return New(backend, key, testNamespace, nil, nil), backend, key
}

// backendRecordKey mirrors the ledger's key layout for tests that reach
// into the backend directly.
func backendRecordKey(chainID string, seq uint64) string {
	return securestore.NamespaceKey(testNamespace, fmt.Sprintf("chain/%s/rec/%020d", chainID, seq))
}

// tamperPayload rewrites a stored record's payload in place, keeping its
// stored hashes, as an attacker with storage access (but also the key)
// would. The record hash no longer matches the payload afterwards.
func tamperPayload(t *testing.T, backend securestore.Backend, key cryptobox.Key, chainID string, seq uint64, mutate func([]byte) []byte) {
	t.Helper()
	raw, err := backend.Get(backendRecordKey(chainID, seq))
	if err != nil {
		t.Fatalf("backend.Get() error = %v", err)
	}
	plain, err := cryptobox.Open(key, raw)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	var record Record
	if err := cbor.Unmarshal(plain, &record); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	record.Payload = mutate(record.Payload)
	plain, err = cbor.Marshal(record)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	sealed, err := cryptobox.Seal(key, plain)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if err := backend.Put(backendRecordKey(chainID, seq), sealed); err != nil {
		t.Fatalf("backend.Put() error = %v", err)
	}
}

func TestAppend_ChainLinkage(t *testing.T) {
	l, _, _ := testLedger(t)

	var records []*Record
	for i := 0; i < 4; i++ {
		r, err := l.Append("patient-1/medication", []byte(fmt.Sprintf("dose %d", i)))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		records = append(records, r)
	}

	if !bytes.Equal(records[0].PreviousHash, GenesisHash()) {
		t.Errorf("first record PreviousHash = %x, want genesis", records[0].PreviousHash)
	}
	for i, r := range records {
		if r.Sequence != uint64(i+1) {
			t.Errorf("record %d Sequence = %d, want %d", i, r.Sequence, i+1)
		}
		if r.ID == "" {
			t.Errorf("record %d has empty ID", i)
		}
		if i > 0 && !bytes.Equal(r.PreviousHash, records[i-1].RecordHash) {
			t.Errorf("record %d PreviousHash does not match record %d RecordHash", i, i-1)
		}
		want := computeHash(r.ChainID, r.Sequence, r.PreviousHash, r.Payload)
		if !bytes.Equal(r.RecordHash, want) {
			t.Errorf("record %d RecordHash mismatch on recomputation", i)
		}
	}
}

func TestAppend_Validation(t *testing.T) {
	l, _, _ := testLedger(t)

	if _, err := l.Append("", []byte("x")); !errors.Is(err, ErrEmptyChainID) {
		t.Errorf("Append() with empty chain error = %v, want ErrEmptyChainID", err)
	}
	if _, err := l.Append("c", nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Append() with empty payload error = %v, want ErrEmptyPayload", err)
	}
}

func TestVerifyChain_FreshChainWithTamperedPayload(t *testing.T) {
	l, backend, key := testLedger(t)
	const chain = "patient-1/medication"

	for i := 1; i <= 3; i++ {
		if _, err := l.Append(chain, []byte(fmt.Sprintf("record %d", i))); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	report, err := l.VerifyChain(chain)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.OK {
		t.Fatalf("VerifyChain() on clean chain = %+v, want OK", report)
	}
	if report.Length != 3 {
		t.Errorf("report.Length = %d, want 3", report.Length)
	}

	// Flip record 2's payload in storage. The hash mismatch is detected
	// via record_hash recomputation; record 3's previous_hash still
	// matches record 2's stored record_hash, so no link breaks.
	tamperPayload(t, backend, key, chain, 2, func(p []byte) []byte {
		p[0] ^= 0x01
		return p
	})

	report, err = l.VerifyChain(chain)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.OK {
		t.Error("VerifyChain() on tampered chain reported OK")
	}
	if len(report.TamperedRecords) != 1 || report.TamperedRecords[0] != 2 {
		t.Errorf("report.TamperedRecords = %v, want [2]", report.TamperedRecords)
	}
	if len(report.BrokenLinks) != 0 {
		t.Errorf("report.BrokenLinks = %v, want []", report.BrokenLinks)
	}
}

func TestVerifyChain_CiphertextTamper(t *testing.T) {
	l, backend, _ := testLedger(t)
	const chain = "audit"

	for i := 0; i < 2; i++ {
		if _, err := l.Append(chain, []byte("entry")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Flip a raw ciphertext byte; decryption now fails closed and the
	// record counts as tampered.
	raw, err := backend.Get(backendRecordKey(chain, 1))
	if err != nil {
		t.Fatalf("backend.Get() error = %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := backend.Put(backendRecordKey(chain, 1), raw); err != nil {
		t.Fatalf("backend.Put() error = %v", err)
	}

	report, err := l.VerifyChain(chain)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.OK {
		t.Error("VerifyChain() reported OK for undecryptable record")
	}
	if len(report.TamperedRecords) != 1 || report.TamperedRecords[0] != 1 {
		t.Errorf("report.TamperedRecords = %v, want [1]", report.TamperedRecords)
	}
}

func TestVerifyChain_MissingRecord(t *testing.T) {
	l, backend, _ := testLedger(t)
	const chain = "audit"

	for i := 0; i < 3; i++ {
		if _, err := l.Append(chain, []byte("entry")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := backend.Delete(backendRecordKey(chain, 2)); err != nil {
		t.Fatalf("backend.Delete() error = %v", err)
	}

	report, err := l.VerifyChain(chain)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.OK {
		t.Error("VerifyChain() reported OK with a missing record")
	}
	found := false
	for _, seq := range report.BrokenLinks {
		if seq == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("report.BrokenLinks = %v, want to contain 2", report.BrokenLinks)
	}
}

func TestVerifyChain_EmptyChain(t *testing.T) {
	l, _, _ := testLedger(t)

	report, err := l.VerifyChain("never-written")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.OK || report.Length != 0 {
		t.Errorf("VerifyChain() on empty chain = %+v, want OK with length 0", report)
	}
}

func TestExport(t *testing.T) {
	l, _, _ := testLedger(t)
	const chain = "patient-1/medication"

	for i := 1; i <= 5; i++ {
		if _, err := l.Append(chain, []byte(fmt.Sprintf("dose %d", i))); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	records, err := l.Export(chain, 2, 4)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Export() returned %d records, want 3", len(records))
	}
	for i, r := range records {
		wantSeq := uint64(i + 2)
		if r.Sequence != wantSeq {
			t.Errorf("exported record %d Sequence = %d, want %d", i, r.Sequence, wantSeq)
		}
		// Hash fields must be verbatim: external re-verification depends
		// on them.
		want := computeHash(chain, r.Sequence, r.PreviousHash, r.Payload)
		if !bytes.Equal(r.RecordHash, want) {
			t.Errorf("exported record %d fails re-verification", i)
		}
	}

	// Full export via zero bounds.
	all, err := l.Export(chain, 0, 0)
	if err != nil {
		t.Fatalf("Export(0, 0) error = %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Export(0, 0) returned %d records, want 5", len(all))
	}

	if _, err := l.Export(chain, 4, 9); !errors.Is(err, ErrSequenceOutOfRange) {
		t.Errorf("Export() out of range error = %v, want ErrSequenceOutOfRange", err)
	}
}

func TestAppendCorrection(t *testing.T) {
	l, _, _ := testLedger(t)
	const chain = "patient-1/medication"

	if _, err := l.Append(chain, []byte(`{"dose_mg":50}`)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	correction, err := l.AppendCorrection(chain, 1, []byte(`{"dose_mg":5}`))
	if err != nil {
		t.Fatalf("AppendCorrection() error = %v", err)
	}
	if correction.Sequence != 2 {
		t.Errorf("correction Sequence = %d, want 2", correction.Sequence)
	}

	var c Correction
	if err := cbor.Unmarshal(correction.Payload, &c); err != nil {
		t.Fatalf("Unmarshal(correction payload) error = %v", err)
	}
	if c.CorrectsSequence != 1 {
		t.Errorf("CorrectsSequence = %d, want 1", c.CorrectsSequence)
	}
	if !bytes.Equal(c.Payload, []byte(`{"dose_mg":5}`)) {
		t.Errorf("correction payload = %q", c.Payload)
	}

	if _, err := l.AppendCorrection(chain, 99, []byte("x")); !errors.Is(err, ErrUnknownSequence) {
		t.Errorf("AppendCorrection() for unknown sequence error = %v, want ErrUnknownSequence", err)
	}

	report, err := l.VerifyChain(chain)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.OK {
		t.Errorf("VerifyChain() after correction = %+v, want OK", report)
	}
}

func TestAppend_TailSurvivesRestart(t *testing.T) {
	l, backend, key := testLedger(t)
	const chain = "audit"

	r1, err := l.Append(chain, []byte("one"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	r2, err := l.Append(chain, []byte("two"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// A new Ledger over the same backend must continue the chain, not
	// restart it.
	reopened := New(backend, key, testNamespace, nil, nil)
	r3, err := reopened.Append(chain, []byte("three"))
	if err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	if r3.Sequence != 3 {
		t.Errorf("Sequence after reopen = %d, want 3", r3.Sequence)
	}
	if !bytes.Equal(r3.PreviousHash, r2.RecordHash) {
		t.Error("record after reopen does not link to previous tail")
	}
	_ = r1
}

func TestAppend_AfterUserSwitch(t *testing.T) {
	l1, backend, _ := testLedger(t)
	const chain = "patient-123/medication"

	if _, err := l1.Append(chain, []byte("dose A")); err != nil {
		t.Fatalf("Append() by first user error = %v", err)
	}

	// A second clinician on the same device gets their own key and
	// namespace; the shared chain ID must open as a fresh chain, not trip
	// over the first user's sealed tail.
	d, err := cryptobox.NewDeriver(bytes.Repeat([]byte{0x11}, cryptobox.MinRootSecretSize))
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}
	key2, err := d.DeriveKey("did:plc:nurse2")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	l2 := New(backend, key2, "did:plc:nurse2", nil, nil)

	r, err := l2.Append(chain, []byte("dose B"))
	if err != nil {
		t.Fatalf("Append() by second user error = %v", err)
	}
	if r.Sequence != 1 {
		t.Errorf("second user's first Sequence = %d, want 1", r.Sequence)
	}
	if !bytes.Equal(r.PreviousHash, GenesisHash()) {
		t.Error("second user's first record does not link to genesis")
	}

	// Both chains verify independently.
	for _, l := range []*Ledger{l1, l2} {
		report, err := l.VerifyChain(chain)
		if err != nil {
			t.Fatalf("VerifyChain() error = %v", err)
		}
		if !report.OK || report.Length != 1 {
			t.Errorf("VerifyChain() = %+v, want OK with length 1", report)
		}
	}
}

// failingBackend wraps a backend and fails the next WriteBatch call.
type failingBackend struct {
	securestore.Backend
	failNext bool
}

func (b *failingBackend) WriteBatch(puts map[string][]byte) error {
	if b.failNext {
		b.failNext = false
		return errors.New("disk full")
	}
	return b.Backend.WriteBatch(puts)
}

func TestAppend_IOFailureDoesNotAdvanceSequence(t *testing.T) {
	_, backend, key := testLedger(t)
	failing := &failingBackend{Backend: backend, failNext: true}
	l := New(failing, key, testNamespace, nil, nil)
	const chain = "audit"

	if _, err := l.Append(chain, []byte("entry")); err == nil {
		t.Fatal("Append() with failing backend succeeded, want error")
	}

	// Retry is safe and lands on the same sequence.
	r, err := l.Append(chain, []byte("entry"))
	if err != nil {
		t.Fatalf("Append() retry error = %v", err)
	}
	if r.Sequence != 1 {
		t.Errorf("Sequence after failed attempt = %d, want 1", r.Sequence)
	}
	if !bytes.Equal(r.PreviousHash, GenesisHash()) {
		t.Error("retried first record does not link to genesis")
	}
}

func TestAppend_ConcurrentSameChain(t *testing.T) {
	l, _, _ := testLedger(t)
	const chain = "patient-1/medication"
	const n = 20

	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.Append(chain, []byte(fmt.Sprintf("dose %d", i)))
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			seqs <- r.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Errorf("duplicate sequence %d assigned", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d unique sequences, want %d", len(seen), n)
	}

	report, err := l.VerifyChain(chain)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !report.OK {
		t.Errorf("VerifyChain() after concurrent appends = %+v, want OK", report)
	}
}
