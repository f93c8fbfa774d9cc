package crypto

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	fp1 := FingerprintHex(kp.Public)
	fp2 := FingerprintHex(kp.Public)
	if fp1 != fp2 {
		t.Error("Fingerprint is not deterministic")
	}
	if len(fp1) != FingerprintSize*2 {
		t.Errorf("Fingerprint length = %d, want %d", len(fp1), FingerprintSize*2)
	}
}

func TestFingerprintDistinguishesKeys(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()

	if FingerprintHex(kp1.Public) == FingerprintHex(kp2.Public) {
		t.Error("Different keys produced the same fingerprint")
	}
}
