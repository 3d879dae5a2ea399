// Package store is the document layer for the guild backend: job records keyed
// by (contract address, token id), user profiles keyed by address, and the
// read-only certificate catalog the profile handler aggregates over.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	contract_address TEXT   NOT NULL,
	token_id         BIGINT NOT NULL,
	title            TEXT   NOT NULL DEFAULT '',
	level            BIGINT NOT NULL DEFAULT 0,
	description      TEXT   NOT NULL DEFAULT '',
	name             TEXT   NOT NULL DEFAULT '',
	submission       TEXT   NOT NULL DEFAULT '',
	note             TEXT   NOT NULL DEFAULT '',
	posted_time      TEXT   NOT NULL DEFAULT '',
	PRIMARY KEY (contract_address, token_id)
);
CREATE TABLE IF NOT EXISTS profiles (
	address TEXT PRIMARY KEY,
	url     TEXT NOT NULL DEFAULT '',
	name    TEXT NOT NULL DEFAULT '',
	level   DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS certificate_tokens (
	collection_id    TEXT   NOT NULL,
	token_id         BIGINT NOT NULL,
	contract_address TEXT   NOT NULL,
	PRIMARY KEY (collection_id, token_id)
);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Job is one unit of work posted against a credentialing contract. TokenID is
// always an integer even when the request carried it as a string.
type Job struct {
	ContractAddress string `json:"address"`
	TokenID         int64  `json:"tokenId"`
	Title           string `json:"title"`
	Level           int64  `json:"level"`
	Description     string `json:"description"`
	Name            string `json:"name"`
	Submission      string `json:"submission"`
	Note            string `json:"note"`
	Time            string `json:"time"`
}

// PutJob upserts; reposting the same (contract, token) overwrites wholesale.
func (s *Store) PutJob(ctx context.Context, j Job) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO jobs(contract_address,token_id,title,level,description,name,submission,note,posted_time)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (contract_address,token_id) DO UPDATE SET
	title=EXCLUDED.title, level=EXCLUDED.level, description=EXCLUDED.description,
	name=EXCLUDED.name, submission=EXCLUDED.submission, note=EXCLUDED.note,
	posted_time=EXCLUDED.posted_time
`, j.ContractAddress, j.TokenID, j.Title, j.Level, j.Description, j.Name, j.Submission, j.Note, j.Time)
	return err
}

func (s *Store) GetJob(ctx context.Context, contract string, tokenID int64) (Job, error) {
	var j Job
	err := s.DB.QueryRow(ctx, `
SELECT contract_address,token_id,title,level,description,name,submission,note,posted_time
FROM jobs WHERE contract_address=$1 AND token_id=$2
`, contract, tokenID).Scan(&j.ContractAddress, &j.TokenID, &j.Title, &j.Level, &j.Description, &j.Name, &j.Submission, &j.Note, &j.Time)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) UpdateSubmission(ctx context.Context, contract string, tokenID int64, submission, note string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE jobs SET submission=$3, note=$4 WHERE contract_address=$1 AND token_id=$2
`, contract, tokenID, submission, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteJob removes the record if present; deleting a missing job is a no-op.
func (s *Store) DeleteJob(ctx context.Context, contract string, tokenID int64) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM jobs WHERE contract_address=$1 AND token_id=$2`, contract, tokenID)
	return err
}

// Profile is written wholesale by the profile handler, never patched.
type Profile struct {
	Address string  `json:"address"`
	URL     string  `json:"url"`
	Name    string  `json:"name"`
	Level   float64 `json:"level"`
}

func (s *Store) SetProfile(ctx context.Context, p Profile) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO profiles(address,url,name,level) VALUES($1,$2,$3,$4)
ON CONFLICT (address) DO UPDATE SET url=EXCLUDED.url, name=EXCLUDED.name, level=EXCLUDED.level
`, p.Address, p.URL, p.Name, p.Level)
	return err
}

func (s *Store) GetProfile(ctx context.Context, address string) (Profile, error) {
	var p Profile
	err := s.DB.QueryRow(ctx, `SELECT address,url,name,level FROM profiles WHERE address=$1`, address).
		Scan(&p.Address, &p.URL, &p.Name, &p.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// Certificate is one issued credential token, read-only from this service.
type Certificate struct {
	CollectionID    string `json:"collection"`
	TokenID         int64  `json:"tokenId"`
	ContractAddress string `json:"address"`
}

// ListCertificates returns the whole catalog, token ids ascending within each
// collection, the order the original aggregation walked them in.
func (s *Store) ListCertificates(ctx context.Context) ([]Certificate, error) {
	rows, err := s.DB.Query(ctx, `
SELECT collection_id,token_id,contract_address
FROM certificate_tokens
ORDER BY collection_id ASC, token_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		var c Certificate
		if err := rows.Scan(&c.CollectionID, &c.TokenID, &c.ContractAddress); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
