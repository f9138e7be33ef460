package credstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Sealer encrypts token values before they reach a backend.
type Sealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}

// NopSealer stores tokens as given.
type NopSealer struct{}

func (NopSealer) Seal(_ context.Context, s string) (string, error) { return s, nil }
func (NopSealer) Open(_ context.Context, s string) (string, error) { return s, nil }

// KMSAPI is the subset of the KMS client used by KMSSealer.
type KMSAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, opts ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSealer seals tokens with an AWS KMS key. Ciphertext is stored base64
// encoded.
type KMSSealer struct {
	client KMSAPI
	keyID  string
}

// NewKMSSealer creates a sealer. keyID can be a key ID, key ARN, or alias
// name (e.g. "alias/sharepoint2-tokens").
func NewKMSSealer(client KMSAPI, keyID string) *KMSSealer {
	return &KMSSealer{client: client, keyID: keyID}
}

// Seal encrypts plaintext. Empty input stays empty so an absent access
// token remains absent.
func (s *KMSSealer) Seal(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("credstore: sealing token: %w", err)
	}

	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Open decrypts a value produced by Seal.
func (s *KMSSealer) Open(ctx context.Context, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("credstore: decoding sealed token: %w", err)
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(s.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("credstore: opening token: %w", err)
	}

	return string(out.Plaintext), nil
}

// SealedStore wraps a Store so token values are sealed on write and opened
// on read. Keys, tenant and timestamps stay in the clear for sweep queries.
type SealedStore struct {
	Store
	sealer Sealer
}

// WithSealer wraps inner. A nil sealer returns inner unchanged.
func WithSealer(inner Store, sealer Sealer) Store {
	if sealer == nil {
		return inner
	}

	return &SealedStore{Store: inner, sealer: sealer}
}

func (s *SealedStore) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := s.open(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *SealedStore) Upsert(ctx context.Context, rec *Record) error {
	sealed := *rec

	var err error
	if sealed.AccessToken, err = s.sealer.Seal(ctx, rec.AccessToken); err != nil {
		return err
	}

	if sealed.RefreshToken, err = s.sealer.Seal(ctx, rec.RefreshToken); err != nil {
		return err
	}

	return s.Store.Upsert(ctx, &sealed)
}

func (s *SealedStore) UpdateTokens(
	ctx context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time,
) error {
	access, err := s.sealer.Seal(ctx, accessToken)
	if err != nil {
		return err
	}

	refresh, err := s.sealer.Seal(ctx, refreshToken)
	if err != nil {
		return err
	}

	return s.Store.UpdateTokens(ctx, key, access, refresh, expiresAt)
}

func (s *SealedStore) ListDue(ctx context.Context, deadline time.Time) ([]Record, error) {
	recs, err := s.Store.ListDue(ctx, deadline)
	if err != nil {
		return nil, err
	}

	return s.openAll(ctx, recs)
}

func (s *SealedStore) List(ctx context.Context) ([]Record, error) {
	recs, err := s.Store.List(ctx)
	if err != nil {
		return nil, err
	}

	return s.openAll(ctx, recs)
}

func (s *SealedStore) open(ctx context.Context, rec *Record) error {
	var err error
	if rec.AccessToken, err = s.sealer.Open(ctx, rec.AccessToken); err != nil {
		return fmt.Errorf("credstore: credential %s: %w", rec.Key, err)
	}

	if rec.RefreshToken, err = s.sealer.Open(ctx, rec.RefreshToken); err != nil {
		return fmt.Errorf("credstore: credential %s: %w", rec.Key, err)
	}

	return nil
}

// openAll opens every row it can. Rows that fail stay out of the result and
// are listed in an *UnreadableError, so one bad row never hides the others.
func (s *SealedStore) openAll(ctx context.Context, recs []Record) ([]Record, error) {
	opened := recs[:0]

	var bad []RowError

	for i := range recs {
		rec := recs[i]
		if err := s.open(ctx, &rec); err != nil {
			bad = append(bad, RowError{Key: rec.Key, Err: err})
			continue
		}

		opened = append(opened, rec)
	}

	if len(bad) > 0 {
		return opened, &UnreadableError{Rows: bad}
	}

	return opened, nil
}
