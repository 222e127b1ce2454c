package settings

import (
	"errors"
	"strings"
	"testing"

	"tabmind/internal/domain"
	"tabmind/internal/repo"
	"tabmind/internal/service/adapters"
	"tabmind/internal/vault"
)

func newTestStore(t *testing.T) *repo.Store {
	t.Helper()
	storage, err := repo.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage failed: %v", err)
	}
	store, err := repo.NewStore(storage)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return store
}

func newTestService(t *testing.T) (*Service, *repo.Store, *vault.KeyState) {
	t.Helper()
	store := newTestStore(t)
	keys := vault.NewKeyState()
	svc := NewService(Dependencies{Store: adapters.NewRepoStateStore(store), Keys: keys})
	return svc, store, keys
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

func TestUpdateRejectsInvalidTimeout(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Update(UpdateInput{Timeout: intPtr(0)}, UpdateOptions{})
	validation := (*ValidationError)(nil)
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got=%v", err)
	}
	if validation.Code != "invalid_timeout" {
		t.Fatalf("unexpected validation code: %s", validation.Code)
	}
}

func TestUpdateNormalizesEndpointPerProvider(t *testing.T) {
	svc, store, _ := newTestService(t)

	out, err := svc.Update(UpdateInput{Endpoint: strPtr("192.168.1.5:8080/v1/chat/completions")}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if out.Endpoint != "http://192.168.1.5:8080" {
		t.Fatalf("unexpected endpoint: %q", out.Endpoint)
	}
	if got := store.Snapshot().Endpoints["openai"]; got != "http://192.168.1.5:8080" {
		t.Fatalf("endpoint should be remembered per provider, got=%q", got)
	}
	if svc.Endpoint() != "http://192.168.1.5:8080" {
		t.Fatalf("unexpected resolved endpoint: %q", svc.Endpoint())
	}
}

func TestProviderSwitchClearsModelsAndRestoresEndpoint(t *testing.T) {
	svc, store, _ := newTestService(t)

	if err := store.Write(func(st *domain.Settings) error {
		st.Endpoint = "http://10.0.0.2:1234"
		st.Endpoints["openai"] = "http://10.0.0.2:1234"
		st.Endpoints["openrouter"] = "https://openrouter.ai/api/v1"
		st.Models = []string{"m1", "m2"}
		st.Model = "m2"
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	out, err := svc.Update(UpdateInput{Provider: strPtr("openrouter")}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if out.Provider != "openrouter" || out.Endpoint != "https://openrouter.ai/api/v1" {
		t.Fatalf("unexpected provider state: %+v", out)
	}
	if len(out.Models) != 0 || out.Model != "" {
		t.Fatalf("expected models cleared on switch, got models=%v model=%q", out.Models, out.Model)
	}

	back, err := svc.Update(UpdateInput{Provider: strPtr("openai"), Model: strPtr("typed-model")}, UpdateOptions{})
	if err != nil {
		t.Fatalf("switch back failed: %v", err)
	}
	if back.Endpoint != "http://10.0.0.2:1234" {
		t.Fatalf("expected remembered endpoint, got=%q", back.Endpoint)
	}
	if back.Model != "typed-model" {
		t.Fatalf("model supplied with the switch should be kept, got=%q", back.Model)
	}
}

func TestUpdateRejectsModelOutsideDetectedList(t *testing.T) {
	svc, store, _ := newTestService(t)
	if err := store.Write(func(st *domain.Settings) error {
		st.Models = []string{"m1", "m2"}
		return nil
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := svc.Update(UpdateInput{Model: strPtr("ghost")}, UpdateOptions{})
	validation := (*ValidationError)(nil)
	if !errors.As(err, &validation) || validation.Code != "invalid_model" {
		t.Fatalf("expected invalid_model, got=%v", err)
	}

	out, err := svc.Update(UpdateInput{Model: strPtr("m2")}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if out.Model != "m2" {
		t.Fatalf("unexpected model: %q", out.Model)
	}
}

func TestSafeViewNeverCarriesKeyMaterial(t *testing.T) {
	svc, _, _ := newTestService(t)

	out, err := svc.Update(UpdateInput{APIKey: strPtr("sk-plain-123")}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !out.HasAPIKey || out.APIKeyIsEncrypted || out.RequiresPassphrase {
		t.Fatalf("unexpected flags: %+v", out)
	}
	key, err := svc.UsableKey(true)
	if err != nil || key != "sk-plain-123" {
		t.Fatalf("unexpected usable key: %q err=%v", key, err)
	}
}

func TestEncryptedKeyLifecycle(t *testing.T) {
	svc, store, keys := newTestService(t)

	_, err := svc.Update(UpdateInput{APIKey: strPtr("sk-secret-999")}, UpdateOptions{EncryptAPIKey: boolPtr(true)})
	if !errors.Is(err, vault.ErrPassphraseRequired) {
		t.Fatalf("expected passphrase required, got=%v", err)
	}

	out, err := svc.Update(UpdateInput{APIKey: strPtr("sk-secret-999")}, UpdateOptions{
		EncryptAPIKey: boolPtr(true),
		Passphrase:    "hunter2",
	})
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !out.APIKeyIsEncrypted || !out.KeyUnlocked || out.RequiresPassphrase {
		t.Fatalf("unexpected flags after encrypt: %+v", out)
	}
	st := store.Snapshot()
	if st.APIKey != "" || st.APIKeyCipher == "" || strings.Contains(st.APIKeyCipher, "sk-secret") {
		t.Fatalf("plaintext must not be persisted: %+v", st)
	}

	out, err = svc.ForgetKey()
	if err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if !out.RequiresPassphrase {
		t.Fatalf("expected passphrase to be required after forget")
	}
	if _, err := svc.UsableKey(true); !errors.Is(err, vault.ErrPassphraseRequired) {
		t.Fatalf("expected passphrase required, got=%v", err)
	}

	if _, err := svc.Unlock("wrong"); !errors.Is(err, vault.ErrDecryption) {
		t.Fatalf("expected decryption error, got=%v", err)
	}
	if _, err := svc.Unlock("hunter2"); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if key, _ := keys.UsableKey(store.Snapshot(), true); key != "sk-secret-999" {
		t.Fatalf("unexpected unlocked key: %q", key)
	}

	out, err = svc.Update(UpdateInput{}, UpdateOptions{EncryptAPIKey: boolPtr(false)})
	if err != nil {
		t.Fatalf("decrypt to plaintext failed: %v", err)
	}
	if out.APIKeyIsEncrypted || store.Snapshot().APIKey != "sk-secret-999" {
		t.Fatalf("expected plaintext key after opting out: %+v", store.Snapshot())
	}
}

func TestEncryptExistingPlaintextKey(t *testing.T) {
	svc, store, _ := newTestService(t)
	if _, err := svc.Update(UpdateInput{APIKey: strPtr("sk-migrate-1")}, UpdateOptions{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := svc.Update(UpdateInput{}, UpdateOptions{EncryptAPIKey: boolPtr(true), Passphrase: "pw"}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	st := store.Snapshot()
	plain, err := vault.Decrypt(vault.SealedFrom(st), "pw")
	if err != nil || plain != "sk-migrate-1" {
		t.Fatalf("unexpected sealed key: %q err=%v", plain, err)
	}
}

func TestPassphraseAloneUnlocks(t *testing.T) {
	svc, _, keys := newTestService(t)
	if _, err := svc.Update(UpdateInput{APIKey: strPtr("sk-abc-123")}, UpdateOptions{EncryptAPIKey: boolPtr(true), Passphrase: "pw"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	keys.Forget()

	out, err := svc.Update(UpdateInput{}, UpdateOptions{Passphrase: "pw"})
	if err != nil {
		t.Fatalf("unlock via update failed: %v", err)
	}
	if !out.KeyUnlocked {
		t.Fatalf("expected key unlocked: %+v", out)
	}
}

func TestClearAPIKey(t *testing.T) {
	svc, store, keys := newTestService(t)
	if _, err := svc.Update(UpdateInput{APIKey: strPtr("sk-abc-123")}, UpdateOptions{EncryptAPIKey: boolPtr(true), Passphrase: "pw"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	out, err := svc.Update(UpdateInput{}, UpdateOptions{ClearAPIKey: true})
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	st := store.Snapshot()
	if out.HasAPIKey || st.APIKeyCipher != "" || st.APIKeyIsEncrypted || keys.Unlocked() {
		t.Fatalf("expected key cleared: %+v", st)
	}
}

func TestBlankAPIKeyKeepsStoredKey(t *testing.T) {
	svc, store, keys := newTestService(t)
	if _, err := svc.Update(UpdateInput{APIKey: strPtr("sk-secret-123")}, UpdateOptions{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	out, err := svc.Update(UpdateInput{APIKey: strPtr("   "), Timeout: intPtr(60000)}, UpdateOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	st := store.Snapshot()
	if !out.HasAPIKey || st.APIKey != "sk-secret-123" || st.Timeout != 60000 {
		t.Fatalf("expected key kept and timeout saved: %+v", st)
	}
	if !keys.Unlocked() {
		t.Fatalf("expected runtime key to survive blank field")
	}
}

func TestBlankAPIKeyKeepsEncryptedKey(t *testing.T) {
	svc, store, _ := newTestService(t)
	if _, err := svc.Update(UpdateInput{APIKey: strPtr("sk-abc-123")}, UpdateOptions{EncryptAPIKey: boolPtr(true), Passphrase: "pw"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	cipher := store.Snapshot().APIKeyCipher

	if _, err := svc.Update(UpdateInput{APIKey: strPtr("")}, UpdateOptions{}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	st := store.Snapshot()
	if !st.APIKeyIsEncrypted || st.APIKeyCipher != cipher {
		t.Fatalf("expected encrypted key untouched: %+v", st)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	svc, _, keys := newTestService(t)
	if _, err := svc.Update(UpdateInput{Provider: strPtr("openrouter"), APIKey: strPtr("sk-or-1")}, UpdateOptions{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	out, err := svc.Reset()
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if out.Provider != "openai" || out.HasAPIKey || keys.Unlocked() {
		t.Fatalf("unexpected state after reset: %+v", out)
	}
}

func TestServiceWithoutStore(t *testing.T) {
	svc := NewService(Dependencies{})
	if _, err := svc.Get(); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got=%v", err)
	}
}
