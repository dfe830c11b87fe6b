package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebAuthnCredentialRepo persists registered authenticators. The
// go-webauthn credential is stored whole as JSONB; the credential id is
// duplicated into its own column so a registration stays unique across
// all users.
type WebAuthnCredentialRepo struct {
	pool *pgxpool.Pool
}

func NewWebAuthnCredentialRepo(pool *pgxpool.Pool) *WebAuthnCredentialRepo {
	return &WebAuthnCredentialRepo{pool: pool}
}

func (r *WebAuthnCredentialRepo) WebAuthnCredentials(ctx context.Context, userID uuid.UUID) ([]webauthn.Credential, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT credential FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load webauthn credentials: %w", err)
	}
	defer rows.Close()

	var creds []webauthn.Credential
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var c webauthn.Credential
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("corrupt webauthn credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *WebAuthnCredentialRepo) SaveWebAuthnCredential(ctx context.Context, userID uuid.UUID, cred webauthn.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode webauthn credential: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO webauthn_credentials (id, user_id, credential_id, credential)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(), userID, cred.ID, raw)
	if err != nil {
		return fmt.Errorf("failed to save webauthn credential: %w", err)
	}
	return nil
}
