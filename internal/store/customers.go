package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const customerColumns = `id, license_id, name, email, phone, lead_score,
	last_intent, last_sentiment, created_at, updated_at`

// UpsertCustomerByContact finds or creates the customer matching an email
// or phone and returns it. Name is filled on create and refreshed when the
// stored one is empty.
func (d *DB) UpsertCustomerByContact(ctx context.Context, licenseID, name, email, phone string) (*Customer, error) {
	if email == "" && phone == "" {
		return nil, fmt.Errorf("customer needs an email or phone")
	}

	var (
		row *sql.Row
	)
	switch {
	case email != "":
		row = d.FetchOne(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE license_id = ? AND email = ?`,
			licenseID, email)
	default:
		row = d.FetchOne(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE license_id = ? AND phone = ?`,
			licenseID, phone)
	}

	c, err := scanCustomer(row)
	if err == nil {
		if c.Name == "" && name != "" {
			c.Name = name
			_, _ = d.Execute(ctx,
				`UPDATE customers SET name = ?, updated_at = ? WHERE id = ?`,
				name, d.BindTime(time.Now().UTC()), c.ID)
		}
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}

	now := time.Now().UTC()
	c = &Customer{LicenseID: licenseID, Name: name, Email: email, Phone: phone,
		CreatedAt: now, UpdatedAt: now}
	err = d.FetchOne(ctx,
		`INSERT INTO customers (license_id, name, email, phone, lead_score,
		   last_intent, last_sentiment, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, '', '', ?, ?)
		 RETURNING id`,
		licenseID, name, nilStr(email), nilStr(phone),
		d.BindTime(now), d.BindTime(now)).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return c, nil
}

// LinkCustomerMessage records the customer↔message association, ignoring
// replays.
func (d *DB) LinkCustomerMessage(ctx context.Context, customerID, inboxMessageID int64) error {
	_, err := d.Execute(ctx,
		`INSERT INTO customer_message_links (customer_id, inbox_message_id)
		 VALUES (?, ?)
		 ON CONFLICT (customer_id, inbox_message_id) DO NOTHING`,
		customerID, inboxMessageID)
	return err
}

// ApplyLeadScore folds an analysis verdict into the customer projection:
// +1 per message, +3 purchase intent, +2 inquiry, -2 negative complaint,
// clamped to [0, 100].
func (d *DB) ApplyLeadScore(ctx context.Context, customerID int64, intent, sentiment string) error {
	delta := 1
	switch intent {
	case "purchase":
		delta += 3
	case "inquiry":
		delta += 2
	case "complaint":
		if sentiment == "negative" {
			delta -= 2
		}
	}

	var score int
	if err := d.FetchOne(ctx,
		`SELECT lead_score FROM customers WHERE id = ?`, customerID).Scan(&score); err != nil {
		return fmt.Errorf("read lead score: %w", err)
	}
	score += delta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	_, err := d.Execute(ctx,
		`UPDATE customers
		 SET lead_score = ?, last_intent = ?, last_sentiment = ?, updated_at = ?
		 WHERE id = ?`,
		score, intent, sentiment, d.BindTime(time.Now().UTC()), customerID)
	return err
}

// AddPurchase records a sale and touches the customer row so delta sync
// picks the change up.
func (d *DB) AddPurchase(ctx context.Context, p *Purchase) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	err := d.FetchOne(ctx,
		`INSERT INTO purchases (license_id, customer_id, item, amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		p.LicenseID, p.CustomerID, p.Item, p.Amount, p.Currency,
		d.BindTime(p.CreatedAt)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	_, err = d.Execute(ctx,
		`UPDATE customers SET updated_at = ? WHERE id = ?`,
		d.BindTime(now), p.CustomerID)
	return err
}

// CustomersUpdatedSince feeds the delta-sync endpoint.
func (d *DB) CustomersUpdatedSince(ctx context.Context, licenseID string, since time.Time) ([]Customer, error) {
	rows, err := d.FetchAll(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE license_id = ? AND updated_at > ?
		 ORDER BY updated_at`,
		licenseID, d.BindTime(since))
	if err != nil {
		return nil, fmt.Errorf("customers updated since: %w", err)
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCustomer(s rowScanner) (*Customer, error) {
	var (
		c       Customer
		email   sql.NullString
		phone   sql.NullString
		created NullTime
		updated NullTime
	)
	err := s.Scan(&c.ID, &c.LicenseID, &c.Name, &email, &phone, &c.LeadScore,
		&c.LastIntent, &c.LastSentiment, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Email = strOr(email)
	c.Phone = strOr(phone)
	c.CreatedAt = created.Time
	c.UpdatedAt = updated.Time
	return &c, nil
}
