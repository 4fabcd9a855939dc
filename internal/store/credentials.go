package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const credentialColumns = `id, license_id, channel, payload, active, auto_reply,
	check_interval, last_checked_at, created_at, updated_at`

// UpsertCredential stores transport secrets for (license, channel),
// replacing any previous record. The payload map is sealed before write.
func (d *DB) UpsertCredential(ctx context.Context, c *Credential) error {
	sealed, err := d.sealPayload(c.Payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = d.Execute(ctx,
		`INSERT INTO credentials (license_id, channel, payload, active, auto_reply,
		                          check_interval, last_checked_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (license_id, channel) DO UPDATE SET
		   payload = excluded.payload,
		   active = excluded.active,
		   auto_reply = excluded.auto_reply,
		   check_interval = excluded.check_interval,
		   updated_at = excluded.updated_at`,
		c.LicenseID, c.Channel, sealed, d.BindBool(c.Active), d.BindBool(c.AutoReply),
		c.CheckInterval, d.BindTimePtr(c.LastCheckedAt), d.BindTime(c.CreatedAt), d.BindTime(now))
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// CredentialFor returns the credential for (license, channel), nil when
// absent. The payload comes back decrypted.
func (d *DB) CredentialFor(ctx context.Context, licenseID, channel string) (*Credential, error) {
	row := d.FetchOne(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE license_id = ? AND channel = ?`, licenseID, channel)
	c, err := d.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ActiveCredentials lists all active credentials for a license, one per
// connected transport.
func (d *DB) ActiveCredentials(ctx context.Context, licenseID string) ([]Credential, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE license_id = ? AND active = ? ORDER BY channel`,
		licenseID, d.BindBool(true))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := d.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CredentialsByChannel lists every active credential on one transport
// across licenses. The WhatsApp webhook resolves its tenant this way,
// by matching the payload's phone_number_id against each payload.
func (d *DB) CredentialsByChannel(ctx context.Context, channel string) ([]Credential, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE channel = ? AND active = ? ORDER BY id`,
		channel, d.BindBool(true))
	if err != nil {
		return nil, fmt.Errorf("list channel credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := d.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TouchCredentialChecked records a completed poll.
func (d *DB) TouchCredentialChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := d.Execute(ctx,
		`UPDATE credentials SET last_checked_at = ?, updated_at = ? WHERE id = ?`,
		d.BindTime(at), d.BindTime(time.Now().UTC()), id)
	return err
}

// DeactivateCredential turns a transport off after an unrecoverable auth
// failure. Polls skip inactive credentials until the operator re-links.
func (d *DB) DeactivateCredential(ctx context.Context, id int64) error {
	_, err := d.Execute(ctx,
		`UPDATE credentials SET active = ?, updated_at = ? WHERE id = ?`,
		d.BindBool(false), d.BindTime(time.Now().UTC()), id)
	return err
}

// UpdateCredentialPayload reseals and replaces the secret material,
// keeping flags untouched. Used after OAuth refresh and session re-link.
func (d *DB) UpdateCredentialPayload(ctx context.Context, id int64, payload map[string]string) error {
	sealed, err := d.sealPayload(payload)
	if err != nil {
		return err
	}
	_, err = d.Execute(ctx,
		`UPDATE credentials SET payload = ?, updated_at = ? WHERE id = ?`,
		sealed, d.BindTime(time.Now().UTC()), id)
	return err
}

func (d *DB) sealPayload(payload map[string]string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal credential payload: %w", err)
	}
	if d.cipher == nil {
		return string(raw), nil
	}
	sealed, err := d.cipher.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypt credential payload: %w", err)
	}
	return sealed, nil
}

func (d *DB) openPayload(sealed string) (map[string]string, error) {
	raw := sealed
	if d.cipher != nil {
		plain, err := d.cipher.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential payload: %w", err)
		}
		raw = plain
	}
	if raw == "" {
		return map[string]string{}, nil
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal credential payload: %w", err)
	}
	return payload, nil
}

func (d *DB) scanCredential(s rowScanner) (*Credential, error) {
	var (
		c       Credential
		sealed  string
		checked NullTime
		created NullTime
		updated NullTime
	)
	err := s.Scan(&c.ID, &c.LicenseID, &c.Channel, &sealed, &c.Active, &c.AutoReply,
		&c.CheckInterval, &checked, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Payload, err = d.openPayload(sealed)
	if err != nil {
		return nil, err
	}
	c.LastCheckedAt = checked.Ptr()
	c.CreatedAt = created.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}
