package fingerprint

import "testing"

func TestFingerprint_Unkeyed(t *testing.T) {
	t.Setenv(KeyEnv, "")

	a := Fingerprint("tok-1")
	b := Fingerprint("tok-1")
	c := Fingerprint("tok-2")

	if a == "" || len(a) != 64 {
		t.Fatalf("unexpected digest: %q", a)
	}
	if a != b {
		t.Fatalf("digest not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct tokens collided")
	}
}

func TestFingerprint_KeyedDiffersFromUnkeyed(t *testing.T) {
	t.Setenv(KeyEnv, "")
	plain := Fingerprint("tok-1")

	t.Setenv(KeyEnv, "0123456789abcdef0123456789abcdef")
	keyed := Fingerprint("tok-1")

	if plain == keyed {
		t.Fatalf("keyed digest must differ from plain digest")
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Setenv(KeyEnv, "")
	if _, err := KeyFromEnv(MinKeyBytes); err != ErrKeyMissing {
		t.Fatalf("want ErrKeyMissing, got %v", err)
	}

	t.Setenv(KeyEnv, "short")
	if _, err := KeyFromEnv(MinKeyBytes); err != ErrKeyTooShort {
		t.Fatalf("want ErrKeyTooShort, got %v", err)
	}

	t.Setenv(KeyEnv, "0123456789abcdef")
	key, err := KeyFromEnv(MinKeyBytes)
	if err != nil {
		t.Fatalf("KeyFromEnv: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("unexpected key length: %d", len(key))
	}
}

func TestFingerprintRequireKey(t *testing.T) {
	t.Setenv(KeyEnv, "")
	if _, err := FingerprintRequireKey("tok", MinKeyBytes); err == nil {
		t.Fatalf("expected error without key")
	}

	t.Setenv(KeyEnv, "0123456789abcdef")
	fpr, err := FingerprintRequireKey("tok", MinKeyBytes)
	if err != nil {
		t.Fatalf("FingerprintRequireKey: %v", err)
	}
	if fpr != Fingerprint("tok") {
		t.Fatalf("enforced and default keyed digests must agree when key is set")
	}
}
